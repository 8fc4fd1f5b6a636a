package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/docmill/internal/identity"
	"github.com/yourusername/docmill/internal/quota"
)

const testLease = time.Minute

type schedulerFixture struct {
	store     *Store
	scheduler *Scheduler
	ledger    *quota.Ledger
	artifacts *ArtifactStore
	clock     *fakeClock
	rdb       *redis.Client
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)

	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	clock := newFakeClock()
	store := NewStore(rdb, clock.Now)
	ledger := quota.NewLedger(rdb, clock.Now)
	artifacts := NewArtifactStore(rdb)
	scheduler := NewScheduler(store, artifacts, ledger, nil, nil, SchedulerOptions{
		LeaseDuration: testLease,
		ArtifactTTL:   24 * time.Hour,
		Now:           clock.Now,
	})
	return &schedulerFixture{
		store:     store,
		scheduler: scheduler,
		ledger:    ledger,
		artifacts: artifacts,
		clock:     clock,
		rdb:       rdb,
	}
}

func (f *schedulerFixture) mustCreate(t *testing.T, id string, owner identity.Identity) {
	t.Helper()
	if err := f.store.Create(context.Background(), testJob(id, owner)); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
}

func TestClaimNextEmptyQueue(t *testing.T) {
	f := newSchedulerFixture(t)

	job, err := f.scheduler.ClaimNext(context.Background(), "w1")
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no job, got %s", job.ID)
	}
}

func TestClaimNextClaimsOldestQueued(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	owner := identity.Anonymous("a1")

	f.mustCreate(t, "older", owner)
	f.clock.Advance(time.Second)
	f.mustCreate(t, "newer", owner)

	job, err := f.scheduler.ClaimNext(ctx, "w1")
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if job == nil || job.ID != "older" {
		t.Fatalf("claimed %#v, want older", job)
	}
	if job.Status != StatusRunning {
		t.Fatalf("status = %s, want running", job.Status)
	}
	if job.ClaimedBy != "w1" {
		t.Fatalf("claimedBy = %s, want w1", job.ClaimedBy)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}
	if job.ClaimExpiresAt == nil || !job.ClaimExpiresAt.Equal(f.clock.Now().Add(testLease)) {
		t.Fatalf("claimExpiresAt = %v", job.ClaimExpiresAt)
	}
	if job.StartedAt == nil || job.LastHeartbeatAt == nil {
		t.Fatal("startedAt and lastHeartbeatAt must be set on first claim")
	}
}

func TestClaimNextReclaimsStaleLease(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.mustCreate(t, "j1", identity.Anonymous("a1"))
	first, err := f.scheduler.ClaimNext(ctx, "w1")
	if err != nil || first == nil {
		t.Fatalf("first claim failed: %v, %v", first, err)
	}
	started := *first.StartedAt

	// リースが生きている間は誰も獲得できない
	job, err := f.scheduler.ClaimNext(ctx, "w2")
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if job != nil {
		t.Fatalf("live lease must not be reclaimed, got %s", job.ID)
	}

	f.clock.Advance(testLease + time.Second)
	job, err = f.scheduler.ClaimNext(ctx, "w2")
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if job == nil || job.ID != "j1" {
		t.Fatalf("expected stale reclaim of j1, got %#v", job)
	}
	if job.ClaimedBy != "w2" {
		t.Fatalf("claimedBy = %s, want w2", job.ClaimedBy)
	}
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want exactly 2", job.Attempts)
	}
	if !job.StartedAt.Equal(started) {
		t.Fatal("startedAt must be set once, on the first claim")
	}
}

func TestClaimNextConcurrentSingleWinner(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.mustCreate(t, "j1", identity.Anonymous("a1"))

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*Job, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			job, err := f.scheduler.ClaimNext(ctx, string(rune('a'+n)))
			if err != nil {
				t.Errorf("ClaimNext returned error: %v", err)
				return
			}
			results[n] = job
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, job := range results {
		if job != nil {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func TestClaimNextFailsExhaustedJob(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	job := testJob("j1", identity.Anonymous("a1"))
	job.MaxAttempts = 1
	if err := f.store.Create(ctx, job); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if claimed, err := f.scheduler.ClaimNext(ctx, "w1"); err != nil || claimed == nil {
		t.Fatalf("first claim failed: %v, %v", claimed, err)
	}

	f.clock.Advance(testLease + time.Second)
	claimed, err := f.scheduler.ClaimNext(ctx, "w2")
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if claimed != nil {
		t.Fatalf("exhausted job must not be claimable, got %s", claimed.ID)
	}

	stored, err := f.store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if stored.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if stored.Error == nil || stored.Error.Code != ErrorCodeAttemptsExhausted {
		t.Fatalf("unexpected error info: %#v", stored.Error)
	}
	if stored.FinishedAt == nil {
		t.Fatal("finishedAt must be set")
	}
	if stored.Attempts > stored.MaxAttempts {
		t.Fatalf("attempts %d exceeds maxAttempts %d", stored.Attempts, stored.MaxAttempts)
	}

	// 以後も獲得できない
	if claimed, err := f.scheduler.ClaimNext(ctx, "w3"); err != nil || claimed != nil {
		t.Fatalf("failed job must never be claimed again: %v, %v", claimed, err)
	}
}

func TestReportProgressExtendsLease(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.mustCreate(t, "j1", identity.Anonymous("a1"))
	claimed, _ := f.scheduler.ClaimNext(ctx, "w1")
	firstExpiry := *claimed.ClaimExpiresAt

	f.clock.Advance(30 * time.Second)
	job, err := f.scheduler.ReportProgress(ctx, "j1", "w1", 40, "process")
	if err != nil {
		t.Fatalf("ReportProgress returned error: %v", err)
	}
	if job.Progress != 40 || job.Stage != "process" {
		t.Fatalf("unexpected progress: %d %s", job.Progress, job.Stage)
	}
	if !job.ClaimExpiresAt.After(firstExpiry) {
		t.Fatalf("lease must extend forward: %v -> %v", firstExpiry, job.ClaimExpiresAt)
	}
}

func TestReportProgressClampsPercent(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.mustCreate(t, "j1", identity.Anonymous("a1"))
	f.scheduler.ClaimNext(ctx, "w1")

	job, err := f.scheduler.ReportProgress(ctx, "j1", "w1", 150, "")
	if err != nil {
		t.Fatalf("ReportProgress returned error: %v", err)
	}
	if job.Progress != 100 {
		t.Fatalf("progress = %d, want 100", job.Progress)
	}

	job, err = f.scheduler.ReportProgress(ctx, "j1", "w1", -5, "")
	if err != nil {
		t.Fatalf("ReportProgress returned error: %v", err)
	}
	if job.Progress != 0 {
		t.Fatalf("progress = %d, want 0", job.Progress)
	}
}

func TestReportProgressFromNonOwnerIsNoOp(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.mustCreate(t, "j1", identity.Anonymous("a1"))
	claimed, _ := f.scheduler.ClaimNext(ctx, "w1")

	job, err := f.scheduler.ReportProgress(ctx, "j1", "intruder", 90, "hijack")
	if err != nil {
		t.Fatalf("ReportProgress returned error: %v", err)
	}
	if job.Progress != claimed.Progress || job.ClaimedBy != "w1" {
		t.Fatalf("non-owner heartbeat must not write: %#v", job)
	}
	if !job.ClaimExpiresAt.Equal(*claimed.ClaimExpiresAt) {
		t.Fatal("non-owner heartbeat must not touch the lease")
	}
}

func TestCompleteRecordsOutputsAndUsage(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	owner := identity.Anonymous("a1")

	f.mustCreate(t, "j1", owner)
	f.scheduler.ClaimNext(ctx, "w1")

	outputs := []FileRef{{BlobRef: "out-1", Filename: "merged.pdf", SizeBytes: 2048}}
	job, err := f.scheduler.Complete(ctx, "j1", "w1", outputs, 3, 2048)
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if job.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", job.Status)
	}
	if job.Progress != 100 {
		t.Fatalf("progress = %d, want 100", job.Progress)
	}
	if job.FinishedAt == nil {
		t.Fatal("finishedAt must be set")
	}
	if job.ClaimedBy != "" || job.ClaimExpiresAt != nil {
		t.Fatal("lease fields must be cleared on completion")
	}
	if len(job.Outputs) != 1 || job.Outputs[0].BlobRef != "out-1" {
		t.Fatalf("unexpected outputs: %#v", job.Outputs)
	}

	usage, err := f.ledger.Today(ctx, owner.Key())
	if err != nil {
		t.Fatalf("Today returned error: %v", err)
	}
	if usage.MinutesUsed != 3 || usage.BytesProcessed != 2048 {
		t.Fatalf("usage not credited: %#v", usage)
	}

	artifact, err := f.artifacts.Get(ctx, "out-1")
	if err != nil {
		t.Fatalf("artifacts.Get returned error: %v", err)
	}
	if artifact == nil || artifact.JobID != "j1" {
		t.Fatalf("artifact not recorded: %#v", artifact)
	}
	if !artifact.ExpiresAt.After(f.clock.Now()) {
		t.Fatal("artifact expiry must be in the future")
	}
}

func TestCompleteFromStaleWorkerIsNoOp(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	owner := identity.Anonymous("a1")

	f.mustCreate(t, "j1", owner)
	f.scheduler.ClaimNext(ctx, "w1")

	// リース失効後に別のワーカーが引き取る
	f.clock.Advance(testLease + time.Second)
	reclaimed, _ := f.scheduler.ClaimNext(ctx, "w2")
	if reclaimed == nil {
		t.Fatal("stale lease must be reclaimable")
	}

	// 元のワーカーの完了報告は黙って無視される
	job, err := f.scheduler.Complete(ctx, "j1", "w1", []FileRef{{BlobRef: "late"}}, 1, 1)
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if job.Status != StatusRunning || job.ClaimedBy != "w2" {
		t.Fatalf("stale completion must not win: %#v", job)
	}

	usage, _ := f.ledger.Today(ctx, owner.Key())
	if usage.MinutesUsed != 0 {
		t.Fatalf("stale completion must not credit usage: %#v", usage)
	}
}

func TestFailPreservesProgress(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.mustCreate(t, "j1", identity.Anonymous("a1"))
	f.scheduler.ClaimNext(ctx, "w1")
	f.scheduler.ReportProgress(ctx, "j1", "w1", 60, "process")

	job, err := f.scheduler.Fail(ctx, "j1", "w1", "CORRUPT_INPUT", "入力PDFが壊れています")
	if err != nil {
		t.Fatalf("Fail returned error: %v", err)
	}
	if job.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.Progress != 60 {
		t.Fatalf("progress = %d, want preserved 60", job.Progress)
	}
	if job.Error == nil || job.Error.Code != "CORRUPT_INPUT" {
		t.Fatalf("unexpected error info: %#v", job.Error)
	}
	if job.FinishedAt == nil {
		t.Fatal("finishedAt must be set")
	}
}

func TestCancelQueuedAndTerminalJobs(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.mustCreate(t, "j1", identity.Anonymous("a1"))

	job, err := f.scheduler.Cancel(ctx, "j1")
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if job.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status)
	}

	// 終了済みジョブの取り消しは不正遷移
	_, err = f.scheduler.Cancel(ctx, "j1")
	var terr *InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestForceRequeueMakesJobClaimable(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.mustCreate(t, "j1", identity.Anonymous("a1"))
	f.scheduler.ClaimNext(ctx, "w1")

	job, err := f.scheduler.ForceRequeue(ctx, "j1")
	if err != nil {
		t.Fatalf("ForceRequeue returned error: %v", err)
	}
	if job.Status != StatusQueued {
		t.Fatalf("status = %s, want queued", job.Status)
	}
	if job.ClaimedBy != "" || job.ClaimExpiresAt != nil {
		t.Fatal("lease must be cleared on requeue")
	}

	reclaimed, err := f.scheduler.ClaimNext(ctx, "w2")
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != "j1" || reclaimed.Attempts != 2 {
		t.Fatalf("requeued job must be claimable: %#v", reclaimed)
	}
}

func TestClaimNextFailsRequeuedExhaustedJob(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	job := testJob("j1", identity.Anonymous("a1"))
	job.MaxAttempts = 1
	if err := f.store.Create(ctx, job); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if claimed, err := f.scheduler.ClaimNext(ctx, "w1"); err != nil || claimed == nil {
		t.Fatalf("first claim failed: %v, %v", claimed, err)
	}
	if _, err := f.scheduler.ForceRequeue(ctx, "j1"); err != nil {
		t.Fatalf("ForceRequeue returned error: %v", err)
	}

	f.clock.Advance(time.Second)
	f.mustCreate(t, "j2", identity.Anonymous("a2"))

	// 試行回数を使い切ったまま実行待ちに戻ったジョブは獲得時に打ち切られる
	claimed, err := f.scheduler.ClaimNext(ctx, "w2")
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if claimed != nil {
		t.Fatalf("exhausted job must not be claimable, got %s", claimed.ID)
	}
	stored, err := f.store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if stored.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if stored.Error == nil || stored.Error.Code != ErrorCodeAttemptsExhausted {
		t.Fatalf("unexpected error info: %#v", stored.Error)
	}
	if stored.FinishedAt == nil {
		t.Fatal("finishedAt must be set")
	}

	// 後続のジョブは詰まらずに獲得できる
	next, err := f.scheduler.ClaimNext(ctx, "w2")
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if next == nil || next.ID != "j2" {
		t.Fatalf("claimed %#v, want j2", next)
	}
}

func TestClaimNextRepairsStaleIndexWithoutRewrite(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.mustCreate(t, "j1", identity.Anonymous("a1"))
	if claimed, err := f.scheduler.ClaimNext(ctx, "w1"); err != nil || claimed == nil {
		t.Fatalf("claim failed: %v, %v", claimed, err)
	}
	done, err := f.scheduler.Complete(ctx, "j1", "w1", []FileRef{{BlobRef: "out"}}, 1, 1)
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	// 完了済みジョブが実行待ち索引に残っている状態を作る
	score := float64(done.CreatedAt.UnixMilli())
	if err := f.rdb.ZAdd(ctx, queuedIndexKey, redis.Z{Score: score, Member: "j1"}).Err(); err != nil {
		t.Fatalf("ZAdd returned error: %v", err)
	}

	f.clock.Advance(time.Second)
	f.mustCreate(t, "j2", identity.Anonymous("a2"))

	claimed, err := f.scheduler.ClaimNext(ctx, "w2")
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if claimed == nil || claimed.ID != "j2" {
		t.Fatalf("claimed %#v, want j2", claimed)
	}

	// 索引の残骸は取り除かれ、レコード本体は書き換えられない
	if err := f.rdb.ZScore(ctx, queuedIndexKey, "j1").Err(); err != redis.Nil {
		t.Fatalf("stale index entry must be removed, got %v", err)
	}
	stored, err := f.store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !stored.UpdatedAt.Equal(done.UpdatedAt) {
		t.Fatalf("updatedAt changed from %v to %v on a read path", done.UpdatedAt, stored.UpdatedAt)
	}
}
