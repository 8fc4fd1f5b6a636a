package workflow

import (
	"fmt"
	"strings"
)

// MaxSteps はチェーンに含められるステップ数の上限です。
const MaxSteps = 5

// Step はユーザーが指定するチェーンの1ステップです。
type Step struct {
	Tool   string         `json:"tool"`
	Config map[string]any `json:"config,omitempty"`
}

// ChainSummary は検証済みチェーン全体の入出力を表します。
type ChainSummary struct {
	InputKind       AssetKind `json:"inputKind"`
	OutputKind      AssetKind `json:"outputKind"`
	HasPremiumTools bool      `json:"hasPremiumTools"`
}

// 検証失敗の理由コードです。
const (
	ReasonInvalidStep     = "invalid_step"
	ReasonUnknownTool     = "unknown_tool"
	ReasonMissingConfig   = "missing_config"
	ReasonMultiInputStep  = "multi_input_step"
	ReasonIncompatible    = "incompatible_chain"
	ReasonNonPDFMidChain  = "non_pdf_mid_chain"
	ReasonEmptyChain      = "empty_chain"
	ReasonTooManySteps    = "too_many_steps"
)

// ChainError はチェーン検証の失敗を表します。
type ChainError struct {
	// StepIndex は問題のあるステップの位置です（チェーン全体の問題は -1）。
	StepIndex int `json:"stepIndex"`
	// Reason は理由コードです。
	Reason string `json:"reason"`
	// MissingKeys は missing_config の場合に不足キーを列挙します。
	MissingKeys []string `json:"missingKeys,omitempty"`
}

// Error は error インターフェースを実装します。
func (e *ChainError) Error() string {
	if len(e.MissingKeys) > 0 {
		return fmt.Sprintf("workflow step %d: %s (%s)", e.StepIndex, e.Reason, strings.Join(e.MissingKeys, ", "))
	}
	return fmt.Sprintf("workflow step %d: %s", e.StepIndex, e.Reason)
}

// Compile はステップ列を検証し、チェーン全体の入出力種別を導出します。
//
// 検証ルール:
//   - ツールIDがカタログに存在すること
//   - 必須 config キーがすべて非空で揃っていること
//   - 複数入力ツールは先頭ステップのみ
//   - 各ステップの入力種別が直前ステップの出力種別と一致すること
//   - 最終ステップ以外の出力は PDF であること
func Compile(steps []Step) (*ChainSummary, *ChainError) {
	if len(steps) == 0 {
		return nil, &ChainError{StepIndex: -1, Reason: ReasonEmptyChain}
	}
	if len(steps) > MaxSteps {
		return nil, &ChainError{StepIndex: -1, Reason: ReasonTooManySteps}
	}

	summary := &ChainSummary{}
	var outputKind AssetKind

	for i, step := range steps {
		if strings.TrimSpace(step.Tool) == "" {
			return nil, &ChainError{StepIndex: i, Reason: ReasonInvalidStep}
		}

		spec, ok := LookupTool(step.Tool)
		if !ok {
			return nil, &ChainError{StepIndex: i, Reason: ReasonUnknownTool}
		}

		if missing := missingConfigKeys(spec, step.Config); len(missing) > 0 {
			return nil, &ChainError{StepIndex: i, Reason: ReasonMissingConfig, MissingKeys: missing}
		}

		if i == 0 {
			summary.InputKind = spec.InputKind
		} else {
			// 複数入力ツールは2本目以降の中間出力を束ねられない
			if spec.MultiInput {
				return nil, &ChainError{StepIndex: i, Reason: ReasonMultiInputStep}
			}
			if spec.InputKind != outputKind {
				return nil, &ChainError{StepIndex: i, Reason: ReasonIncompatible}
			}
		}

		// 中間成果物はPDFに限定する（最終ステップのみ任意の種別を生成できる）
		if i < len(steps)-1 && spec.OutputKind != KindPDF {
			return nil, &ChainError{StepIndex: i, Reason: ReasonNonPDFMidChain}
		}

		outputKind = spec.OutputKind
		if spec.Premium {
			summary.HasPremiumTools = true
		}
	}

	summary.OutputKind = outputKind
	return summary, nil
}

func missingConfigKeys(spec ToolSpec, config map[string]any) []string {
	var missing []string
	for _, key := range spec.RequiredConfig {
		v, ok := config[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}
