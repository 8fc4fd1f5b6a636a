// Package jobs はジョブの状態機械、永続化、リースベースのスケジューラーを提供します。
package jobs

import (
	"fmt"
	"time"

	"github.com/yourusername/docmill/internal/identity"
	"github.com/yourusername/docmill/internal/workflow"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal は最終状態かどうかを返します。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// allowedTransitions は状態遷移の許可表です。
// running → running / running → queued はリースの再取得と
// 強制再キューのために存在します。queued → failed は、強制再キューで
// 試行回数を使い切ったまま実行待ちに戻ったジョブを獲得時に打ち切るための
// 遷移です。
var allowedTransitions = map[Status][]Status{
	StatusQueued:    {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:   {StatusSucceeded, StatusFailed, StatusCancelled, StatusQueued, StatusRunning},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

func canTransition(from, to Status) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError は不正な状態遷移の試行を表します。
// 発生した場合は呼び出し側のバグか、所有権ガードで防ぐべき競合です。
type InvalidTransitionError struct {
	JobID string
	From  Status
	To    Status
}

// Error は error インターフェースを実装します。
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s (job %s)", e.From, e.To, e.JobID)
}

// FileRef は入出力ファイルへの参照です。
type FileRef struct {
	BlobRef   string `json:"blobRef"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job はジョブの現在状態を表します。
type Job struct {
	ID    string            `json:"id"`
	Owner identity.Identity `json:"owner"`

	// Tool は代表ツールIDです（複数ステップの場合は "workflow"）。
	Tool string `json:"tool"`
	// Steps は検証済みのツールチェーンです（単一ツールでも長さ1で保持）。
	Steps []workflow.Step `json:"steps"`
	// InputKind / OutputKind はコンパイラが導出したチェーン全体の入出力種別です。
	InputKind  workflow.AssetKind `json:"inputKind"`
	OutputKind workflow.AssetKind `json:"outputKind"`

	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	Stage    string `json:"stage,omitempty"`

	// リース情報。ClaimedBy と ClaimExpiresAt は必ず両方設定されるか
	// 両方未設定です。
	ClaimedBy      string     `json:"claimedBy,omitempty"`
	ClaimExpiresAt *time.Time `json:"claimExpiresAt,omitempty"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"maxAttempts"`

	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`

	Inputs  []FileRef  `json:"inputs"`
	Outputs []FileRef  `json:"outputs,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// transitionTo は許可表を検査して状態を書き換えます。
// この検査はストアのアトミック更新の内側で実行される前提です。
func (j *Job) transitionTo(to Status) error {
	if !canTransition(j.Status, to) {
		return &InvalidTransitionError{JobID: j.ID, From: j.Status, To: to}
	}
	j.Status = to
	return nil
}

// clearLease はリース情報を未設定に戻します。
func (j *Job) clearLease() {
	j.ClaimedBy = ""
	j.ClaimExpiresAt = nil
}

// leaseExpired はリースが期限切れかどうかを返します。
func (j *Job) leaseExpired(now time.Time) bool {
	return j.ClaimExpiresAt != nil && j.ClaimExpiresAt.Before(now)
}

// ownedBy は指定ワーカーが有効な所有者かどうかを返します。
func (j *Job) ownedBy(workerID string) bool {
	return j.Status == StatusRunning && j.ClaimedBy == workerID
}
