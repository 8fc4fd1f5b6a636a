package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/yourusername/docmill/internal/metrics"
	"github.com/yourusername/docmill/internal/quota"
)

// ErrorCodeAttemptsExhausted は試行回数超過で失敗させたジョブのエラーコードです。
// ユーザーには内部の再試行回数を見せず、容量系のエラーとして提示します。
const ErrorCodeAttemptsExhausted = "CAPACITY_ATTEMPTS_EXHAUSTED"

// claimScanLimit は1回の獲得呼び出しで走査する候補数の上限です。
const claimScanLimit = 64

// SchedulerOptions はスケジューラーの動作設定です。
type SchedulerOptions struct {
	// LeaseDuration はリースの有効期間です。
	LeaseDuration time.Duration
	// ArtifactTTL は成果物の保持期間です。
	ArtifactTTL time.Duration
	// Now は現在時刻の供給元です（テスト用に差し替え可能）。
	Now func() time.Time
}

// Scheduler はリースベースのジョブ配布を行います。
//
// ジョブの獲得・心拍・完了・失敗はすべてストアのアトミック更新の中で
// 前提条件（状態と所有権）を検査するため、同じジョブに対して同時に
// 有効なリースが2つ存在することはありません。
type Scheduler struct {
	store     *Store
	artifacts *ArtifactStore
	ledger    *quota.Ledger
	metrics   *metrics.Metrics
	logger    *log.Logger

	leaseDuration time.Duration
	artifactTTL   time.Duration
	now           func() time.Time
}

// NewScheduler は Scheduler を作成します。
func NewScheduler(store *Store, artifacts *ArtifactStore, ledger *quota.Ledger, m *metrics.Metrics, logger *log.Logger, opts SchedulerOptions) *Scheduler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		store:         store,
		artifacts:     artifacts,
		ledger:        ledger,
		metrics:       m,
		logger:        logger,
		leaseDuration: opts.LeaseDuration,
		artifactTTL:   opts.ArtifactTTL,
		now:           now,
	}
}

// ClaimNext は次のジョブを獲得します。
//
// 最も古い実行待ちジョブを優先し、なければリース期限切れの実行中ジョブを
// 引き取ります。候補の試行回数が上限に達していた場合はそのジョブを
// failed にして (nil, nil) を返します（呼び出し側が再度呼び出します）。
// 仕事がない場合も (nil, nil) を返します。
func (s *Scheduler) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("workerID is required")
	}

	for scan := 0; scan < claimScanLimit; scan++ {
		now := s.now().UTC()
		candidateID, err := s.store.NextCandidate(ctx, now)
		if err != nil {
			return nil, err
		}
		if candidateID == "" {
			s.countEmptyClaim()
			return nil, nil
		}

		var claimed, exhausted, stale, skipped bool
		job, err := s.store.UpdateAtomic(ctx, candidateID, func(j *Job) (bool, error) {
			claimed, exhausted, stale, skipped = false, false, false, false

			switch {
			case j.Status == StatusQueued:
			case j.Status == StatusRunning && j.leaseExpired(now):
				stale = true
			default:
				// 索引が実体より古い。索引を修復して候補を選び直す。
				skipped = true
				return false, nil
			}

			if j.Attempts >= j.MaxAttempts {
				if err := j.transitionTo(StatusFailed); err != nil {
					return false, err
				}
				finished := now
				j.FinishedAt = &finished
				j.clearLease()
				j.Error = &ErrorInfo{
					Code:    ErrorCodeAttemptsExhausted,
					Message: "処理の試行回数が上限に達しました",
				}
				exhausted = true
				return true, nil
			}

			if err := j.transitionTo(StatusRunning); err != nil {
				return false, err
			}
			expires := now.Add(s.leaseDuration)
			j.ClaimedBy = workerID
			j.ClaimExpiresAt = &expires
			j.Attempts++
			if j.StartedAt == nil {
				started := now
				j.StartedAt = &started
			}
			heartbeat := now
			j.LastHeartbeatAt = &heartbeat
			claimed = true
			return true, nil
		})
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				// 索引の残骸。取り除いて次の候補へ。
				if err := s.store.RepairIndexes(ctx, candidateID); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		if skipped {
			if err := s.store.RepairIndexes(ctx, candidateID); err != nil {
				return nil, err
			}
			continue
		}
		if exhausted {
			s.logger.Printf("job %s failed: attempts exhausted (%d/%d)", job.ID, job.Attempts, job.MaxAttempts)
			if s.metrics != nil {
				s.metrics.JobsFailed.WithLabelValues(ErrorCodeAttemptsExhausted).Inc()
			}
			return nil, nil
		}
		if claimed {
			if s.metrics != nil {
				s.metrics.Claims.Inc()
				if stale {
					s.metrics.StaleReclaims.Inc()
				}
			}
			return job, nil
		}
	}

	s.countEmptyClaim()
	return nil, nil
}

// ReportProgress は進捗を記録し、リースを前方に延長します。
//
// ジョブが実行中かつ claimedBy が一致する場合のみ有効です。所有権を
// 失ったワーカーからの報告はエラーにせず、現在のレコードをそのまま
// 返します（ワーカー側は「奪われた」と「完了済み」を区別できないため）。
func (s *Scheduler) ReportProgress(ctx context.Context, jobID, workerID string, percent int, stage string) (*Job, error) {
	var accepted bool
	job, err := s.store.UpdateAtomic(ctx, jobID, func(j *Job) (bool, error) {
		accepted = false
		if !j.ownedBy(workerID) {
			return false, nil
		}
		if err := j.transitionTo(StatusRunning); err != nil {
			return false, err
		}

		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		now := s.now().UTC()
		j.Progress = percent
		if stage != "" {
			j.Stage = stage
		}
		heartbeat := now
		j.LastHeartbeatAt = &heartbeat

		// リースは前方にのみ伸ばす（再送されても縮まない）
		expires := now.Add(s.leaseDuration)
		if j.ClaimExpiresAt == nil || expires.After(*j.ClaimExpiresAt) {
			j.ClaimExpiresAt = &expires
		}
		accepted = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if accepted && s.metrics != nil {
		s.metrics.Heartbeats.Inc()
	}
	return job, nil
}

// Complete はジョブを成功で終了させます。
//
// 所有権ガードは ReportProgress と同じです。成果物レコードを作成し、
// 申告された処理時間とバイト数を使用量台帳に加算します
// （ジョブ数のカウンターは作成時に加算済み）。
func (s *Scheduler) Complete(ctx context.Context, jobID, workerID string, outputs []FileRef, minutesUsed, bytesProcessed int64) (*Job, error) {
	var completed bool
	job, err := s.store.UpdateAtomic(ctx, jobID, func(j *Job) (bool, error) {
		completed = false
		if !j.ownedBy(workerID) {
			return false, nil
		}
		if err := j.transitionTo(StatusSucceeded); err != nil {
			return false, err
		}
		now := s.now().UTC()
		j.Progress = 100
		j.Stage = "completed"
		j.Outputs = outputs
		j.Error = nil
		finished := now
		j.FinishedAt = &finished
		j.clearLease()
		completed = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !completed {
		return job, nil
	}

	expiresAt := s.now().UTC().Add(s.artifactTTL)
	if err := s.artifacts.Add(ctx, jobID, outputs, expiresAt); err != nil {
		s.logger.Printf("failed to record artifacts job=%s: %v", jobID, err)
	}
	if err := s.ledger.Add(ctx, job.Owner.Key(), quota.Usage{
		MinutesUsed:    minutesUsed,
		BytesProcessed: bytesProcessed,
	}); err != nil {
		s.logger.Printf("failed to credit usage job=%s: %v", jobID, err)
	}
	if s.metrics != nil {
		s.metrics.JobsSucceeded.Inc()
	}
	return job, nil
}

// Fail はジョブを失敗で終了させます。
//
// 直前の進捗は保持します。自動再キューはせず、再試行はリース期限切れと
// ClaimNext の試行回数検査に委ねます。
func (s *Scheduler) Fail(ctx context.Context, jobID, workerID, errorCode, errorMessage string) (*Job, error) {
	if errorCode == "" {
		errorCode = "PROCESSING_FAILED"
	}
	var failed bool
	job, err := s.store.UpdateAtomic(ctx, jobID, func(j *Job) (bool, error) {
		failed = false
		if !j.ownedBy(workerID) {
			return false, nil
		}
		if err := j.transitionTo(StatusFailed); err != nil {
			return false, err
		}
		now := s.now().UTC()
		j.Error = &ErrorInfo{Code: errorCode, Message: errorMessage}
		finished := now
		j.FinishedAt = &finished
		j.clearLease()
		failed = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if failed && s.metrics != nil {
		s.metrics.JobsFailed.WithLabelValues(errorCode).Inc()
	}
	return job, nil
}

// Cancel はジョブを取り消します（実行待ち/実行中のみ）。
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (*Job, error) {
	return s.store.UpdateAtomic(ctx, jobID, func(j *Job) (bool, error) {
		if err := j.transitionTo(StatusCancelled); err != nil {
			return false, err
		}
		now := s.now().UTC()
		finished := now
		j.FinishedAt = &finished
		j.clearLease()
		return true, nil
	})
}

// ForceRequeue は実行中のジョブを強制的に実行待ちに戻します（運用操作）。
// リースは破棄され、どのワーカーからでも再獲得できるようになります。
func (s *Scheduler) ForceRequeue(ctx context.Context, jobID string) (*Job, error) {
	return s.store.UpdateAtomic(ctx, jobID, func(j *Job) (bool, error) {
		if err := j.transitionTo(StatusQueued); err != nil {
			return false, err
		}
		j.clearLease()
		return true, nil
	})
}

func (s *Scheduler) countEmptyClaim() {
	if s.metrics != nil {
		s.metrics.ClaimsEmpty.Inc()
	}
}
