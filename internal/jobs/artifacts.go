package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	artifactKeyPrefix = "artifact:"
	artifactExpiryKey = "artifact:expiry"
)

// Artifact はジョブ成果物のレコードです。
// ExpiresAt を過ぎた成果物は掃除係が削除します。
type Artifact struct {
	JobID     string    `json:"jobId"`
	BlobRef   string    `json:"blobRef"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"sizeBytes,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ArtifactStore は成果物レコードをRedisに保存します。
type ArtifactStore struct {
	rdb *redis.Client
}

// NewArtifactStore は ArtifactStore を作成します。
func NewArtifactStore(rdb *redis.Client) *ArtifactStore {
	return &ArtifactStore{rdb: rdb}
}

// Add はジョブの成果物レコードをまとめて登録します。
func (a *ArtifactStore) Add(ctx context.Context, jobID string, outputs []FileRef, expiresAt time.Time) error {
	if len(outputs) == 0 {
		return nil
	}
	pipe := a.rdb.TxPipeline()
	for _, out := range outputs {
		record := Artifact{
			JobID:     jobID,
			BlobRef:   out.BlobRef,
			Filename:  out.Filename,
			SizeBytes: out.SizeBytes,
			ExpiresAt: expiresAt,
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		pipe.Set(ctx, artifactKeyPrefix+out.BlobRef, payload, 0)
		pipe.ZAdd(ctx, artifactExpiryKey, redis.Z{Score: float64(expiresAt.UnixMilli()), Member: out.BlobRef})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record artifacts: %w", err)
	}
	return nil
}

// Get は成果物レコードを取得します。存在しない場合は (nil, nil) を返します。
func (a *ArtifactStore) Get(ctx context.Context, blobRef string) (*Artifact, error) {
	data, err := a.rdb.Get(ctx, artifactKeyPrefix+blobRef).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var record Artifact
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// DueBefore は期限切れの成果物の blobRef を最大 limit 件返します。
func (a *ArtifactStore) DueBefore(ctx context.Context, t time.Time, limit int64) ([]string, error) {
	return a.rdb.ZRangeByScore(ctx, artifactExpiryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(t.UnixMilli(), 10),
		Count: limit,
	}).Result()
}

// Remove は成果物レコードを削除します（Blob本体の削除は呼び出し側の責務）。
func (a *ArtifactStore) Remove(ctx context.Context, blobRef string) error {
	pipe := a.rdb.TxPipeline()
	pipe.Del(ctx, artifactKeyPrefix+blobRef)
	pipe.ZRem(ctx, artifactExpiryKey, blobRef)
	_, err := pipe.Exec(ctx)
	return err
}
