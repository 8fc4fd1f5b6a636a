package quota

import (
	"context"
	"fmt"

	"github.com/yourusername/docmill/internal/identity"
)

// 受付拒否の安定コードです。
const (
	CodeMaxFiles        = "LIMIT_MAX_FILES"
	CodeFileTooLarge    = "LIMIT_FILE_TOO_LARGE"
	CodeDailyJobs       = "LIMIT_DAILY_JOBS"
	CodeDailyMinutes    = "LIMIT_DAILY_MINUTES"
	CodeConcurrentJobs  = "LIMIT_CONCURRENT_JOBS"
	CodePremiumRequired = "LIMIT_PREMIUM_REQUIRED"
	CodeMonthlyBudget   = "CAPACITY_MONTHLY_BUDGET"
	CodeCapacityTemp    = "CAPACITY_TEMPORARY"
)

// AdmissionError はジョブ受付の拒否を表します。
// Code は機械可読な安定コード、Message/Hint はユーザー向けの説明です。
type AdmissionError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Error は error インターフェースを実装します。
func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected: %s", e.Code)
}

// CheckPlanLimits はプラン上限をこの順序で検査し、最初の違反を返します。
// 順序はユーザー向けエラー選択の決定性のために固定です。
func CheckPlanLimits(inputSizes []int64, limits PlanLimits, usageToday Usage, activeJobCount int64) *AdmissionError {
	if int64(len(inputSizes)) > limits.MaxFilesPerJob {
		return &AdmissionError{
			Code:    CodeMaxFiles,
			Message: "一度に処理できるファイル数を超えています",
			Hint:    "ファイルを分けて送信するか、プランをアップグレードしてください",
			Detail:  map[string]any{"maxFilesPerJob": limits.MaxFilesPerJob},
		}
	}

	maxBytes := limits.MaxMBPerFile * 1024 * 1024
	for _, size := range inputSizes {
		if size > maxBytes {
			return &AdmissionError{
				Code:    CodeFileTooLarge,
				Message: "ファイルサイズが上限を超えています",
				Hint:    "ファイルを圧縮するか、プランをアップグレードしてください",
				Detail:  map[string]any{"maxMbPerFile": limits.MaxMBPerFile},
			}
		}
	}

	if usageToday.JobsUsed >= limits.MaxJobsPerDay {
		return &AdmissionError{
			Code:    CodeDailyJobs,
			Message: "本日のジョブ実行回数が上限に達しました",
			Hint:    "日付が変わってから再度お試しください",
			Detail:  map[string]any{"maxJobsPerDay": limits.MaxJobsPerDay},
		}
	}

	if usageToday.MinutesUsed >= limits.MaxDailyMinutes {
		return &AdmissionError{
			Code:    CodeDailyMinutes,
			Message: "本日の処理時間が上限に達しました",
			Hint:    "日付が変わってから再度お試しください",
			Detail:  map[string]any{"maxDailyMinutes": limits.MaxDailyMinutes},
		}
	}

	if activeJobCount >= limits.MaxConcurrentJobs {
		return &AdmissionError{
			Code:    CodeConcurrentJobs,
			Message: "同時に実行できるジョブ数を超えています",
			Hint:    "実行中のジョブが完了してから再度お試しください",
			Detail:  map[string]any{"maxConcurrentJobs": limits.MaxConcurrentJobs},
		}
	}

	return nil
}

// CheckGlobalLimits は全体上限を検査します。
// 全体の超過はテナント固有の情報を漏らさないよう、すべて
// CAPACITY_TEMPORARY に集約します。
func CheckGlobalLimits(limits GlobalLimits, globalUsageToday Usage, activeGlobalJobCount int64) *AdmissionError {
	exceeded := globalUsageToday.JobsUsed >= limits.MaxJobsPerDay ||
		globalUsageToday.MinutesUsed >= limits.MaxDailyMinutes ||
		activeGlobalJobCount >= limits.MaxConcurrentJobs
	if !exceeded {
		return nil
	}
	return &AdmissionError{
		Code:    CodeCapacityTemp,
		Message: "現在サーバーが混み合っています",
		Hint:    "しばらく待ってから再度お試しください",
	}
}

// ActiveCounts は実行待ち+実行中ジョブ数の問い合わせ先です
// （ジョブストアが実装します）。
type ActiveCounts interface {
	ActiveJobCount(ctx context.Context, identityKey string) (int64, error)
	GlobalActiveJobCount(ctx context.Context) (int64, error)
}

// JobRequest は受付判定への入力です。
type JobRequest struct {
	Identity identity.Identity
	// Tool は代表ツールIDです（チェーンの場合は "workflow"）。
	Tool string
	// InputSizes は入力ファイルのバイトサイズ一覧です。
	InputSizes []int64
	// PremiumRequired はチェーンに PREMIUM 限定ツールが含まれるかどうかです。
	PremiumRequired bool
	// Heavy はチェーンに高コストツールが含まれるかどうかです。
	Heavy bool
}

// Gate は予算・プラン・全体上限を合成したジョブ受付判定です。
type Gate struct {
	resolver *Resolver
	ledger   *Ledger
	budget   *BudgetStore
	counts   ActiveCounts
	// bypass は信頼されたローカル呼び出し向けの検証スキップです。
	// release モードの設定検証で有効化を拒否します。
	bypass bool
}

// NewGate は Gate を作成します。
func NewGate(resolver *Resolver, ledger *Ledger, budget *BudgetStore, counts ActiveCounts, bypass bool) *Gate {
	return &Gate{
		resolver: resolver,
		ledger:   ledger,
		budget:   budget,
		counts:   counts,
		bypass:   bypass,
	}
}

// Admit はジョブ作成リクエストを受け付けるか判定します。
// 拒否の場合は *AdmissionError を返します。
func (g *Gate) Admit(ctx context.Context, req JobRequest) error {
	if g.bypass {
		return nil
	}

	budget, err := g.budget.Current(ctx)
	if err != nil {
		return err
	}
	if budget.MonthlyBudgetUsage >= 1.0 {
		return &AdmissionError{
			Code:    CodeMonthlyBudget,
			Message: "今月の処理予算を使い切りました",
			Hint:    "翌月までお待ちいただくか、運営にお問い合わせください",
		}
	}
	if req.Heavy && !budget.HeavyToolsEnabled {
		return &AdmissionError{
			Code:    CodeCapacityTemp,
			Message: "現在この処理は一時的に停止しています",
			Hint:    "しばらく待ってから再度お試しください",
		}
	}
	if req.PremiumRequired && req.Identity.Tier() != identity.TierPremium {
		return &AdmissionError{
			Code:    CodePremiumRequired,
			Message: "この処理は PREMIUM プラン限定です",
			Hint:    "プランをアップグレードしてください",
		}
	}

	planLimits, err := g.resolver.PlanLimits(ctx, req.Identity.Tier())
	if err != nil {
		return err
	}
	usageToday, err := g.ledger.Today(ctx, req.Identity.Key())
	if err != nil {
		return err
	}
	activeCount, err := g.counts.ActiveJobCount(ctx, req.Identity.Key())
	if err != nil {
		return err
	}
	if admErr := CheckPlanLimits(req.InputSizes, planLimits, usageToday, activeCount); admErr != nil {
		return admErr
	}

	globalLimits, err := g.resolver.GlobalLimits(ctx)
	if err != nil {
		return err
	}
	globalUsage, err := g.ledger.GlobalToday(ctx)
	if err != nil {
		return err
	}
	globalActive, err := g.counts.GlobalActiveJobCount(ctx)
	if err != nil {
		return err
	}
	if admErr := CheckGlobalLimits(globalLimits, globalUsage, globalActive); admErr != nil {
		return admErr
	}

	return nil
}

// CapacitySnapshot は公開用の受け入れ余力スナップショットです。
type CapacitySnapshot struct {
	Status       CapacityStatus `json:"status"`
	Budget       BudgetState    `json:"budget"`
	GlobalLimits GlobalLimits   `json:"globalLimits"`
	GlobalUsage  Usage          `json:"globalUsageToday"`
}

// Capacity は現在の受け入れ余力スナップショットを返します。
func (g *Gate) Capacity(ctx context.Context) (*CapacitySnapshot, error) {
	budget, err := g.budget.Current(ctx)
	if err != nil {
		return nil, err
	}
	limits, err := g.resolver.GlobalLimits(ctx)
	if err != nil {
		return nil, err
	}
	usage, err := g.ledger.GlobalToday(ctx)
	if err != nil {
		return nil, err
	}
	return &CapacitySnapshot{
		Status:       ResolveCapacityStatus(budget.MonthlyBudgetUsage, budget.HeavyToolsEnabled),
		Budget:       budget,
		GlobalLimits: limits,
		GlobalUsage:  usage,
	}, nil
}

// UsageSnapshot は呼び出し元自身の使用量スナップショットです。
type UsageSnapshot struct {
	Tier       identity.Tier  `json:"tier"`
	Limits     PlanLimits     `json:"limits"`
	UsageToday Usage          `json:"usageToday"`
	Status     CapacityStatus `json:"status"`
}

// UsageFor は識別子の使用量スナップショットを返します。
func (g *Gate) UsageFor(ctx context.Context, id identity.Identity) (*UsageSnapshot, error) {
	limits, err := g.resolver.PlanLimits(ctx, id.Tier())
	if err != nil {
		return nil, err
	}
	usage, err := g.ledger.Today(ctx, id.Key())
	if err != nil {
		return nil, err
	}
	budget, err := g.budget.Current(ctx)
	if err != nil {
		return nil, err
	}
	return &UsageSnapshot{
		Tier:       id.Tier(),
		Limits:     limits,
		UsageToday: usage,
		Status:     ResolveCapacityStatus(budget.MonthlyBudgetUsage, budget.HeavyToolsEnabled),
	}, nil
}
