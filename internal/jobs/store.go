package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix      = "job:"
	queuedIndexKey    = "jobs:queued"
	runningIndexKey   = "jobs:running"
	ownerIndexPrefix  = "jobs:owner:"
	activeIndexPrefix = "jobs:active:"

	// casMaxRetries はWATCH競合時の再試行上限です。
	casMaxRetries = 16
)

// ErrJobNotFound は指定ジョブが存在しない場合に返されます。
var ErrJobNotFound = errors.New("job not found")

// Store はジョブ状態をRedisに保存します。
//
// ジョブ本体は job:<id> にJSONで保存し、選択用の索引を別に持ちます:
//   - jobs:queued  : 実行待ちジョブ（スコアは作成時刻、FIFO選択用）
//   - jobs:running : 実行中ジョブ（スコアはリース期限、期限切れ選択用）
//   - jobs:owner:* : 識別子ごとの全ジョブ（一覧表示用）
//   - jobs:active:*: 識別子ごとの実行待ち+実行中ジョブ（同時実行数の判定用）
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{rdb: rdb, now: now}
}

// Create は新しいジョブを queued 状態で保存します。
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job.ID is required")
	}

	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Status = StatusQueued

	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	score := float64(job.CreatedAt.UnixMilli())
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), payload, 0)
	pipe.ZAdd(ctx, queuedIndexKey, redis.Z{Score: score, Member: job.ID})
	pipe.ZAdd(ctx, ownerIndexPrefix+job.Owner.Key(), redis.Z{Score: score, Member: job.ID})
	pipe.SAdd(ctx, activeIndexPrefix+job.Owner.Key(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// Get はジョブを取得します。存在しない場合は (nil, nil) を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListByOwner は識別子のジョブを作成時刻の新しい順に返します。
func (s *Store) ListByOwner(ctx context.Context, identityKey string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.rdb.ZRevRange(ctx, ownerIndexPrefix+identityKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// ActiveJobCount は識別子の実行待ち+実行中ジョブ数を返します。
func (s *Store) ActiveJobCount(ctx context.Context, identityKey string) (int64, error) {
	return s.rdb.SCard(ctx, activeIndexPrefix+identityKey).Result()
}

// GlobalActiveJobCount は全体の実行待ち+実行中ジョブ数を返します。
func (s *Store) GlobalActiveJobCount(ctx context.Context) (int64, error) {
	queued, err := s.rdb.ZCard(ctx, queuedIndexKey).Result()
	if err != nil {
		return 0, err
	}
	running, err := s.rdb.ZCard(ctx, runningIndexKey).Result()
	if err != nil {
		return 0, err
	}
	return queued + running, nil
}

// NextCandidate は次に獲得すべきジョブIDを返します。
// 最も古い実行待ちジョブを優先し、なければリース期限切れの
// 実行中ジョブのうち最も期限の古いものを返します。
// 候補がなければ空文字を返します。
func (s *Store) NextCandidate(ctx context.Context, now time.Time) (string, error) {
	ids, err := s.rdb.ZRange(ctx, queuedIndexKey, 0, 0).Result()
	if err != nil {
		return "", err
	}
	if len(ids) > 0 {
		return ids[0], nil
	}

	ids, err = s.rdb.ZRangeByScore(ctx, runningIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Count: 1,
	}).Result()
	if err != nil {
		return "", err
	}
	if len(ids) > 0 {
		return ids[0], nil
	}
	return "", nil
}

// UpdateAtomic はジョブを WATCH ベースの compare-and-swap で更新します。
//
// mutate はジョブを書き換え、書き込みの要否を返します。false を返した
// 場合は何も書かずに現在のレコードをそのまま返します（所有権ガードの
// no-op 用）。前提条件の検査と書き込みが1つの不可分な操作になるため、
// 同じ失効リースを奪い合う2つのワーカーが両方成功することはありません。
func (s *Store) UpdateAtomic(ctx context.Context, jobID string, mutate func(*Job) (bool, error)) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	key := jobKey(jobID)

	for attempt := 0; attempt < casMaxRetries; attempt++ {
		var result *Job
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if err == redis.Nil {
					return ErrJobNotFound
				}
				return err
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				return err
			}
			// no-op の場合は変更前のレコードを返す
			current := job

			apply, err := mutate(&job)
			if err != nil {
				return err
			}
			if !apply {
				result = &current
				return nil
			}

			job.UpdatedAt = s.now().UTC()
			payload, err := json.Marshal(&job)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				s.refreshIndexes(ctx, pipe, &job)
				return nil
			})
			if err != nil {
				return err
			}
			result = &job
			return nil
		}, key)

		if err == redis.TxFailedErr {
			// 並行更新に負けた。読み直して再試行する。
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("job update contention: %s", jobID)
}

// RepairIndexes は索引の所属をレコードの現在状態から引き直します。
// 索引が実体より古い場合の修復用で、レコード本体は書き換えません。
// レコードが消えている場合は選択用索引から残骸を取り除きます。
func (s *Store) RepairIndexes(ctx context.Context, jobID string) error {
	key := jobKey(jobID)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.ZRem(ctx, queuedIndexKey, jobID)
					pipe.ZRem(ctx, runningIndexKey, jobID)
					return nil
				})
				return err
			}
			return err
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.refreshIndexes(ctx, pipe, &job)
			return nil
		})
		return err
	}, key)
	if err == redis.TxFailedErr {
		// 並行更新が索引を引き直した
		return nil
	}
	return err
}

// refreshIndexes はジョブの現在状態から索引の所属を引き直します。
// 書き込みは冪等なので、遷移前の状態を知らなくても安全です。
func (s *Store) refreshIndexes(ctx context.Context, pipe redis.Pipeliner, job *Job) {
	if job.Status == StatusQueued {
		pipe.ZAdd(ctx, queuedIndexKey, redis.Z{Score: float64(job.CreatedAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.ZRem(ctx, queuedIndexKey, job.ID)
	}

	if job.Status == StatusRunning && job.ClaimExpiresAt != nil {
		pipe.ZAdd(ctx, runningIndexKey, redis.Z{Score: float64(job.ClaimExpiresAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.ZRem(ctx, runningIndexKey, job.ID)
	}

	if job.Status.IsTerminal() {
		pipe.SRem(ctx, activeIndexPrefix+job.Owner.Key(), job.ID)
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
