package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	usageKeyPrefix = "usage:"
	usageGlobalKey = "usage:global:"

	usageFieldJobs    = "jobsUsed"
	usageFieldMinutes = "minutesUsed"
	usageFieldBytes   = "bytesProcessed"
)

// Usage はUTC日次の使用量カウンターです。
type Usage struct {
	JobsUsed       int64 `json:"jobsUsed"`
	MinutesUsed    int64 `json:"minutesUsed"`
	BytesProcessed int64 `json:"bytesProcessed"`
}

// Ledger は識別子ごと・全体の日次使用量をRedisに記録します。
// カウンターは期間の初回加算時に暗黙に作成され、削除はしません
// （保持期間の管理は外部の責務）。
type Ledger struct {
	rdb *redis.Client
	now func() time.Time
}

// NewLedger は Ledger を作成します。
func NewLedger(rdb *redis.Client, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{rdb: rdb, now: now}
}

// Today は識別子の本日（UTC）の使用量を返します。
func (l *Ledger) Today(ctx context.Context, identityKey string) (Usage, error) {
	return l.read(ctx, l.identityDayKey(identityKey))
}

// GlobalToday は全体の本日（UTC）の使用量を返します。
func (l *Ledger) GlobalToday(ctx context.Context) (Usage, error) {
	return l.read(ctx, l.globalDayKey())
}

// Add は識別子と全体の両方のカウンターに差分を加算します。
// 加算は HIncrBy によるアトミックなデルタ適用です。
func (l *Ledger) Add(ctx context.Context, identityKey string, delta Usage) error {
	pipe := l.rdb.TxPipeline()
	for _, key := range []string{l.identityDayKey(identityKey), l.globalDayKey()} {
		if delta.JobsUsed != 0 {
			pipe.HIncrBy(ctx, key, usageFieldJobs, delta.JobsUsed)
		}
		if delta.MinutesUsed != 0 {
			pipe.HIncrBy(ctx, key, usageFieldMinutes, delta.MinutesUsed)
		}
		if delta.BytesProcessed != 0 {
			pipe.HIncrBy(ctx, key, usageFieldBytes, delta.BytesProcessed)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment usage counters: %w", err)
	}
	return nil
}

func (l *Ledger) read(ctx context.Context, key string) (Usage, error) {
	values, err := l.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read usage counter: %w", err)
	}
	return Usage{
		JobsUsed:       parseInt64(values[usageFieldJobs]),
		MinutesUsed:    parseInt64(values[usageFieldMinutes]),
		BytesProcessed: parseInt64(values[usageFieldBytes]),
	}, nil
}

func (l *Ledger) identityDayKey(identityKey string) string {
	return usageKeyPrefix + identityKey + ":" + l.day()
}

func (l *Ledger) globalDayKey() string {
	return usageGlobalKey + l.day()
}

// day はUTC暦日の期間キーを返します。
func (l *Ledger) day() string {
	return l.now().UTC().Format("2006-01-02")
}

func parseInt64(raw string) int64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
