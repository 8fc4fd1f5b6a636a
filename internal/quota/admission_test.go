package quota

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/docmill/internal/identity"
)

var testLimits = PlanLimits{
	MaxFilesPerJob:    2,
	MaxMBPerFile:      10,
	MaxConcurrentJobs: 1,
	MaxJobsPerDay:     5,
	MaxDailyMinutes:   30,
}

func TestCheckPlanLimitsMaxFiles(t *testing.T) {
	admErr := CheckPlanLimits([]int64{1, 1, 1}, testLimits, Usage{}, 0)
	if admErr == nil {
		t.Fatal("expected rejection for 3 inputs with maxFilesPerJob=2")
	}
	if admErr.Code != CodeMaxFiles {
		t.Fatalf("code = %s, want %s", admErr.Code, CodeMaxFiles)
	}
}

func TestCheckPlanLimitsFileTooLarge(t *testing.T) {
	admErr := CheckPlanLimits([]int64{11 * 1024 * 1024}, testLimits, Usage{}, 0)
	if admErr == nil || admErr.Code != CodeFileTooLarge {
		t.Fatalf("unexpected error: %#v", admErr)
	}
	if admErr.Detail["maxMbPerFile"] != testLimits.MaxMBPerFile {
		t.Fatalf("detail must carry the limit: %#v", admErr.Detail)
	}
}

func TestCheckPlanLimitsOrderIsDeterministic(t *testing.T) {
	// 複数違反が同時に成立しても、最初に列挙された検査のコードを返す
	admErr := CheckPlanLimits(
		[]int64{1, 1, 1},
		testLimits,
		Usage{JobsUsed: 99, MinutesUsed: 99},
		99,
	)
	if admErr == nil || admErr.Code != CodeMaxFiles {
		t.Fatalf("code = %#v, want %s first", admErr, CodeMaxFiles)
	}
}

func TestCheckPlanLimitsDailyAndConcurrent(t *testing.T) {
	if admErr := CheckPlanLimits(nil, testLimits, Usage{JobsUsed: 5}, 0); admErr == nil || admErr.Code != CodeDailyJobs {
		t.Fatalf("unexpected error: %#v", admErr)
	}
	if admErr := CheckPlanLimits(nil, testLimits, Usage{MinutesUsed: 30}, 0); admErr == nil || admErr.Code != CodeDailyMinutes {
		t.Fatalf("unexpected error: %#v", admErr)
	}
	if admErr := CheckPlanLimits(nil, testLimits, Usage{}, 1); admErr == nil || admErr.Code != CodeConcurrentJobs {
		t.Fatalf("unexpected error: %#v", admErr)
	}
	if admErr := CheckPlanLimits([]int64{1}, testLimits, Usage{}, 0); admErr != nil {
		t.Fatalf("expected admission, got %#v", admErr)
	}
}

func TestCheckGlobalLimitsCollapsesToTemporary(t *testing.T) {
	limits := GlobalLimits{MaxConcurrentJobs: 10, MaxJobsPerDay: 100, MaxDailyMinutes: 100}

	if admErr := CheckGlobalLimits(limits, Usage{JobsUsed: 100}, 0); admErr == nil || admErr.Code != CodeCapacityTemp {
		t.Fatalf("unexpected error: %#v", admErr)
	}
	if admErr := CheckGlobalLimits(limits, Usage{}, 10); admErr == nil || admErr.Code != CodeCapacityTemp {
		t.Fatalf("unexpected error: %#v", admErr)
	}
	if admErr := CheckGlobalLimits(limits, Usage{}, 0); admErr != nil {
		t.Fatalf("expected admission, got %#v", admErr)
	}
}

type stubCounts struct {
	active int64
	global int64
}

func (s *stubCounts) ActiveJobCount(ctx context.Context, identityKey string) (int64, error) {
	return s.active, nil
}

func (s *stubCounts) GlobalActiveJobCount(ctx context.Context) (int64, error) {
	return s.global, nil
}

func newTestGate(t *testing.T, counts ActiveCounts, bypass bool) (*Gate, *redis.Client) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)

	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	resolver := NewResolver(rdb)
	ledger := NewLedger(rdb, nil)
	budget := NewBudgetStore(rdb, nil)
	return NewGate(resolver, ledger, budget, counts, bypass), rdb
}

func TestGateAdmitsWithinLimits(t *testing.T) {
	gate, _ := newTestGate(t, &stubCounts{}, false)

	err := gate.Admit(context.Background(), JobRequest{
		Identity:   identity.Anonymous("a1"),
		Tool:       "merge",
		InputSizes: []int64{1024},
	})
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
}

func TestGateRejectsOverMonthlyBudget(t *testing.T) {
	gate, _ := newTestGate(t, &stubCounts{}, false)

	ctx := context.Background()
	if err := gate.budget.Update(ctx, BudgetState{MonthlyBudgetUsage: 1.2, HeavyToolsEnabled: true}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	err := gate.Admit(ctx, JobRequest{Identity: identity.Anonymous("a1"), Tool: "merge"})
	var admErr *AdmissionError
	if !errors.As(err, &admErr) || admErr.Code != CodeMonthlyBudget {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGateRejectsHeavyToolWhenDisabled(t *testing.T) {
	gate, _ := newTestGate(t, &stubCounts{}, false)

	ctx := context.Background()
	if err := gate.budget.Update(ctx, BudgetState{MonthlyBudgetUsage: 0.1, HeavyToolsEnabled: false}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	err := gate.Admit(ctx, JobRequest{Identity: identity.Anonymous("a1"), Tool: "ocr", Heavy: true})
	var admErr *AdmissionError
	if !errors.As(err, &admErr) || admErr.Code != CodeCapacityTemp {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGateRejectsPremiumToolForFreeTier(t *testing.T) {
	gate, _ := newTestGate(t, &stubCounts{}, false)

	err := gate.Admit(context.Background(), JobRequest{
		Identity:        identity.User("u1", identity.TierFree),
		Tool:            "ocr",
		PremiumRequired: true,
	})
	var admErr *AdmissionError
	if !errors.As(err, &admErr) || admErr.Code != CodePremiumRequired {
		t.Fatalf("unexpected error: %v", err)
	}

	err = gate.Admit(context.Background(), JobRequest{
		Identity:        identity.User("u2", identity.TierPremium),
		Tool:            "ocr",
		PremiumRequired: true,
	})
	if err != nil {
		t.Fatalf("premium tier must be admitted: %v", err)
	}
}

func TestGateBypassSkipsAllChecks(t *testing.T) {
	gate, _ := newTestGate(t, &stubCounts{active: 999, global: 999}, true)

	err := gate.Admit(context.Background(), JobRequest{
		Identity:        identity.Anonymous("a1"),
		Tool:            "ocr",
		PremiumRequired: true,
		Heavy:           true,
		InputSizes:      make([]int64, 100),
	})
	if err != nil {
		t.Fatalf("bypass must admit everything: %v", err)
	}
}
