package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// CapacityStatus はシステムの受け入れ余力を表す3値です。
type CapacityStatus string

const (
	CapacityAvailable  CapacityStatus = "available"
	CapacityLimited    CapacityStatus = "limited"
	CapacityAtCapacity CapacityStatus = "at_capacity"
)

// limitedRatioThreshold を超えると「余裕なし」として扱います。
const limitedRatioThreshold = 0.8

// BudgetState は暦月ごとの予算状態です。
type BudgetState struct {
	// MonthlyBudgetUsage は月次予算の消化率です（1.0で使い切り）。
	MonthlyBudgetUsage float64 `json:"monthlyBudgetUsage"`
	// HeavyToolsEnabled は高コストツールの受付可否です。
	HeavyToolsEnabled bool `json:"heavyToolsEnabled"`
}

// ResolveCapacityStatus は予算消化率と高コストツール可否から
// 受け入れ余力を導出する純粋関数です。
func ResolveCapacityStatus(monthlyUsageRatio float64, heavyToolsEnabled bool) CapacityStatus {
	if monthlyUsageRatio >= 1.0 {
		return CapacityAtCapacity
	}
	if monthlyUsageRatio >= limitedRatioThreshold || !heavyToolsEnabled {
		return CapacityLimited
	}
	return CapacityAvailable
}

const budgetKeyPrefix = "budget:"

// BudgetStore は月次予算状態をRedisに保存します。
type BudgetStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewBudgetStore は BudgetStore を作成します。
func NewBudgetStore(rdb *redis.Client, now func() time.Time) *BudgetStore {
	if now == nil {
		now = time.Now
	}
	return &BudgetStore{rdb: rdb, now: now}
}

// Current は当月の予算状態を返します。
// レコードが存在しない月は「消化率0・高コストツール有効」です。
func (b *BudgetStore) Current(ctx context.Context) (BudgetState, error) {
	values, err := b.rdb.HGetAll(ctx, b.monthKey()).Result()
	if err != nil {
		return BudgetState{}, fmt.Errorf("failed to read budget state: %w", err)
	}
	state := BudgetState{HeavyToolsEnabled: true}
	if raw, ok := values["monthlyBudgetUsage"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			state.MonthlyBudgetUsage = v
		}
	}
	if raw, ok := values["heavyToolsEnabled"]; ok {
		if v, err := strconv.ParseBool(raw); err == nil {
			state.HeavyToolsEnabled = v
		}
	}
	return state, nil
}

// Update は当月の予算状態を保存します（運用ツール向け）。
func (b *BudgetStore) Update(ctx context.Context, state BudgetState) error {
	return b.rdb.HSet(ctx, b.monthKey(), map[string]any{
		"monthlyBudgetUsage": strconv.FormatFloat(state.MonthlyBudgetUsage, 'f', -1, 64),
		"heavyToolsEnabled":  strconv.FormatBool(state.HeavyToolsEnabled),
	}).Err()
}

func (b *BudgetStore) monthKey() string {
	return budgetKeyPrefix + b.now().UTC().Format("2006-01")
}
