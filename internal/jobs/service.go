package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/docmill/internal/identity"
	"github.com/yourusername/docmill/internal/metrics"
	"github.com/yourusername/docmill/internal/quota"
	"github.com/yourusername/docmill/internal/workflow"
)

// WorkflowTool は複数ステップのジョブに付ける代表ツールIDです。
const WorkflowTool = "workflow"

// Service はジョブ作成の受付と参照系をまとめます。
//
// 作成リクエストは Workflow コンパイラの検証 → 受付判定の順に通り、
// 通過した場合のみ queued 状態のジョブを保存してジョブ数カウンターを
// 加算します。
type Service struct {
	store       *Store
	gate        *quota.Gate
	ledger      *quota.Ledger
	metrics     *metrics.Metrics
	logger      *log.Logger
	maxAttempts int
	now         func() time.Time
}

// NewService は Service を作成します。
func NewService(store *Store, gate *quota.Gate, ledger *quota.Ledger, m *metrics.Metrics, logger *log.Logger, maxAttempts int, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:       store,
		gate:        gate,
		ledger:      ledger,
		metrics:     m,
		logger:      logger,
		maxAttempts: maxAttempts,
		now:         now,
	}
}

// Create はジョブ作成リクエストを検証し、受け付けたジョブを返します。
// 拒否された場合は *workflow.ChainError または *quota.AdmissionError を
// 返します。
func (s *Service) Create(ctx context.Context, owner identity.Identity, steps []workflow.Step, inputs []FileRef) (*Job, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("owner identity is required")
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("at least one input is required")
	}

	summary, cerr := workflow.Compile(steps)
	if cerr != nil {
		return nil, cerr
	}

	tool := WorkflowTool
	heavy := false
	for _, step := range steps {
		if workflow.IsHeavyTool(step.Tool) {
			heavy = true
		}
	}
	if len(steps) == 1 {
		tool = steps[0].Tool
	}

	sizes := make([]int64, len(inputs))
	for i, in := range inputs {
		sizes[i] = in.SizeBytes
	}

	err := s.gate.Admit(ctx, quota.JobRequest{
		Identity:        owner,
		Tool:            tool,
		InputSizes:      sizes,
		PremiumRequired: summary.HasPremiumTools,
		Heavy:           heavy,
	})
	if err != nil {
		if admErr, ok := err.(*quota.AdmissionError); ok && s.metrics != nil {
			s.metrics.AdmissionRejected.WithLabelValues(admErr.Code).Inc()
		}
		return nil, err
	}

	job := &Job{
		ID:          uuid.NewString(),
		Owner:       owner,
		Tool:        tool,
		Steps:       steps,
		InputKind:   summary.InputKind,
		OutputKind:  summary.OutputKind,
		MaxAttempts: s.maxAttempts,
		Inputs:      inputs,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	if err := s.ledger.Add(ctx, owner.Key(), quota.Usage{JobsUsed: 1}); err != nil {
		s.logger.Printf("failed to count created job=%s: %v", job.ID, err)
	}
	if s.metrics != nil {
		s.metrics.JobsCreated.Inc()
	}
	return job, nil
}

// Get はジョブを取得します。
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.store.Get(ctx, jobID)
}

// List は識別子のジョブを作成時刻の新しい順に返します。
func (s *Service) List(ctx context.Context, owner identity.Identity, limit int) ([]*Job, error) {
	return s.store.ListByOwner(ctx, owner.Key(), limit)
}
