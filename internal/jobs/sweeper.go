package jobs

import (
	"context"
	"log"
	"time"
)

// BlobRemover は期限切れ成果物のBlob本体を削除できるストアが実装します。
type BlobRemover interface {
	Delete(ref string) error
}

const sweepBatchSize = 100

// Sweeper は保持期限を過ぎた成果物を定期的に削除します。
type Sweeper struct {
	artifacts *ArtifactStore
	blobs     BlobRemover
	logger    *log.Logger
	interval  time.Duration
	now       func() time.Time
}

// NewSweeper は Sweeper を作成します。
func NewSweeper(artifacts *ArtifactStore, blobs BlobRemover, logger *log.Logger, interval time.Duration, now func() time.Time) *Sweeper {
	if logger == nil {
		logger = log.Default()
	}
	if now == nil {
		now = time.Now
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{
		artifacts: artifacts,
		blobs:     blobs,
		logger:    logger,
		interval:  interval,
		now:       now,
	}
}

// Run はコンテキストが取り消されるまで定期的に掃除を実行します。
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Printf("artifact sweep failed: %v", err)
			} else if n > 0 {
				s.logger.Printf("artifact sweep removed %d expired artifacts", n)
			}
		}
	}
}

// SweepOnce は期限切れの成果物を1バッチ分削除し、削除件数を返します。
// Blob本体の削除に失敗したものはレコードを残し、次回の掃除で再試行します。
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	refs, err := s.artifacts.DueBefore(ctx, s.now().UTC(), sweepBatchSize)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, ref := range refs {
		if err := s.blobs.Delete(ref); err != nil {
			s.logger.Printf("failed to delete expired blob %s: %v", ref, err)
			continue
		}
		if err := s.artifacts.Remove(ctx, ref); err != nil {
			s.logger.Printf("failed to remove artifact record %s: %v", ref, err)
			continue
		}
		removed++
	}
	return removed, nil
}
