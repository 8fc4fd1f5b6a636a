// Package quota はプラン別/全体の上限解決、使用量台帳、予算ゲート、
// ジョブ受付判定を提供します。
package quota

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/docmill/internal/identity"
)

// PlanLimits はプランごとの数値上限です。
type PlanLimits struct {
	MaxFilesPerJob    int64 `json:"maxFilesPerJob"`
	MaxMBPerFile      int64 `json:"maxMbPerFile"`
	MaxConcurrentJobs int64 `json:"maxConcurrentJobs"`
	MaxJobsPerDay     int64 `json:"maxJobsPerDay"`
	MaxDailyMinutes   int64 `json:"maxDailyMinutes"`
}

// GlobalLimits はシステム全体の数値上限です。
type GlobalLimits struct {
	MaxConcurrentJobs int64 `json:"maxConcurrentJobs"`
	MaxJobsPerDay     int64 `json:"maxJobsPerDay"`
	MaxDailyMinutes   int64 `json:"maxDailyMinutes"`
}

// ハードコードされたデフォルト上限です。
// ストア上書き → 環境変数上書き の順に優先されます。
var defaultPlanLimits = map[identity.Tier]PlanLimits{
	identity.TierAnon: {
		MaxFilesPerJob:    3,
		MaxMBPerFile:      25,
		MaxConcurrentJobs: 1,
		MaxJobsPerDay:     10,
		MaxDailyMinutes:   15,
	},
	identity.TierFree: {
		MaxFilesPerJob:    10,
		MaxMBPerFile:      50,
		MaxConcurrentJobs: 2,
		MaxJobsPerDay:     30,
		MaxDailyMinutes:   60,
	},
	identity.TierPremium: {
		MaxFilesPerJob:    50,
		MaxMBPerFile:      200,
		MaxConcurrentJobs: 5,
		MaxJobsPerDay:     200,
		MaxDailyMinutes:   480,
	},
}

var defaultGlobalLimits = GlobalLimits{
	MaxConcurrentJobs: 50,
	MaxJobsPerDay:     2000,
	MaxDailyMinutes:   6000,
}

const (
	planLimitsKeyPrefix = "limits:plan:"
	globalLimitsKey     = "limits:global"
)

// Resolver はデフォルト/ストア上書き/環境変数上書きを統合して
// 有効な上限値を解決します。
type Resolver struct {
	rdb *redis.Client
}

// NewResolver は Resolver を作成します。
func NewResolver(rdb *redis.Client) *Resolver {
	return &Resolver{rdb: rdb}
}

// PlanLimits はプランの有効上限を解決します。
func (r *Resolver) PlanLimits(ctx context.Context, tier identity.Tier) (PlanLimits, error) {
	limits, ok := defaultPlanLimits[tier]
	if !ok {
		limits = defaultPlanLimits[identity.TierAnon]
	}

	stored, err := r.rdb.HGetAll(ctx, planLimitsKeyPrefix+string(tier)).Result()
	if err != nil {
		return PlanLimits{}, fmt.Errorf("failed to load plan limit overrides: %w", err)
	}
	overlayInt64(&limits.MaxFilesPerJob, stored["maxFilesPerJob"])
	overlayInt64(&limits.MaxMBPerFile, stored["maxMbPerFile"])
	overlayInt64(&limits.MaxConcurrentJobs, stored["maxConcurrentJobs"])
	overlayInt64(&limits.MaxJobsPerDay, stored["maxJobsPerDay"])
	overlayInt64(&limits.MaxDailyMinutes, stored["maxDailyMinutes"])

	prefix := "LIMIT_" + strings.ToUpper(string(tier)) + "_"
	overlayEnvInt64(&limits.MaxFilesPerJob, prefix+"MAX_FILES_PER_JOB")
	overlayEnvInt64(&limits.MaxMBPerFile, prefix+"MAX_MB_PER_FILE")
	overlayEnvInt64(&limits.MaxConcurrentJobs, prefix+"MAX_CONCURRENT_JOBS")
	overlayEnvInt64(&limits.MaxJobsPerDay, prefix+"MAX_JOBS_PER_DAY")
	overlayEnvInt64(&limits.MaxDailyMinutes, prefix+"MAX_DAILY_MINUTES")

	return limits, nil
}

// GlobalLimits はシステム全体の有効上限を解決します。
func (r *Resolver) GlobalLimits(ctx context.Context) (GlobalLimits, error) {
	limits := defaultGlobalLimits

	stored, err := r.rdb.HGetAll(ctx, globalLimitsKey).Result()
	if err != nil {
		return GlobalLimits{}, fmt.Errorf("failed to load global limit overrides: %w", err)
	}
	overlayInt64(&limits.MaxConcurrentJobs, stored["maxConcurrentJobs"])
	overlayInt64(&limits.MaxJobsPerDay, stored["maxJobsPerDay"])
	overlayInt64(&limits.MaxDailyMinutes, stored["maxDailyMinutes"])

	overlayEnvInt64(&limits.MaxConcurrentJobs, "LIMIT_GLOBAL_MAX_CONCURRENT_JOBS")
	overlayEnvInt64(&limits.MaxJobsPerDay, "LIMIT_GLOBAL_MAX_JOBS_PER_DAY")
	overlayEnvInt64(&limits.MaxDailyMinutes, "LIMIT_GLOBAL_MAX_DAILY_MINUTES")

	return limits, nil
}

// SetPlanLimitOverride はプラン上限のストア上書きを保存します（運用ツール向け）。
func (r *Resolver) SetPlanLimitOverride(ctx context.Context, tier identity.Tier, field string, value int64) error {
	return r.rdb.HSet(ctx, planLimitsKeyPrefix+string(tier), field, value).Err()
}

func overlayInt64(dst *int64, raw string) {
	if raw == "" {
		return
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return
	}
	*dst = v
}

func overlayEnvInt64(dst *int64, key string) {
	overlayInt64(dst, os.Getenv(key))
}
