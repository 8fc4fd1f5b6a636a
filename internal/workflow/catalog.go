// Package workflow はツールチェーンの静的カタログと型整合性の検証を提供します。
package workflow

// AssetKind はツールが受け取る/生成するファイル種別を表します。
type AssetKind string

const (
	KindPDF   AssetKind = "pdf"
	KindDocx  AssetKind = "docx"
	KindImage AssetKind = "image"
	KindZIP   AssetKind = "zip"
	KindText  AssetKind = "text"
)

// ToolSpec はカタログに登録された1ツールの能力を表します。
type ToolSpec struct {
	// InputKind はツールが受け取るファイル種別です。
	InputKind AssetKind
	// OutputKind はツールが生成するファイル種別です。
	OutputKind AssetKind
	// MultiInput は複数ファイル入力を受け付けるかどうかです。
	// 複数入力ツールはチェーンの先頭でのみ使用できます。
	MultiInput bool
	// Premium は PREMIUM プラン限定ツールかどうかです。
	Premium bool
	// Heavy は処理コストが特に高く、予算ゲートの制御対象になるツールです。
	Heavy bool
	// RequiredConfig は config に必須のキーです。空文字は未設定扱いになります。
	RequiredConfig []string
}

// catalog はツールIDと能力の静的な対応表です。
var catalog = map[string]ToolSpec{
	"merge": {
		InputKind:  KindPDF,
		OutputKind: KindPDF,
		MultiInput: true,
	},
	"split": {
		InputKind:      KindPDF,
		OutputKind:     KindZIP,
		RequiredConfig: []string{"ranges"},
	},
	"reorder": {
		InputKind:      KindPDF,
		OutputKind:     KindPDF,
		RequiredConfig: []string{"order"},
	},
	"rotate": {
		InputKind:      KindPDF,
		OutputKind:     KindPDF,
		RequiredConfig: []string{"angle"},
	},
	"optimize": {
		InputKind:  KindPDF,
		OutputKind: KindPDF,
	},
	"watermark": {
		InputKind:      KindPDF,
		OutputKind:     KindPDF,
		RequiredConfig: []string{"text"},
	},
	"protect": {
		InputKind:      KindPDF,
		OutputKind:     KindPDF,
		RequiredConfig: []string{"password"},
	},
	"image-to-pdf": {
		InputKind:  KindImage,
		OutputKind: KindPDF,
		MultiInput: true,
	},
	"pdf-to-image": {
		InputKind:  KindPDF,
		OutputKind: KindZIP,
	},
	"ocr": {
		InputKind:  KindPDF,
		OutputKind: KindPDF,
		Premium:    true,
		Heavy:      true,
	},
	"pdf-to-word": {
		InputKind:  KindPDF,
		OutputKind: KindDocx,
		Heavy:      true,
	},
	"word-to-pdf": {
		InputKind:  KindDocx,
		OutputKind: KindPDF,
		Heavy:      true,
	},
	"extract-text": {
		InputKind:  KindPDF,
		OutputKind: KindText,
		Premium:    true,
	},
}

// LookupTool はカタログからツールを検索します。
func LookupTool(id string) (ToolSpec, bool) {
	spec, ok := catalog[id]
	return spec, ok
}

// IsHeavyTool は予算ゲートの制御対象ツールかどうかを返します。
func IsHeavyTool(id string) bool {
	spec, ok := catalog[id]
	return ok && spec.Heavy
}

// IsPremiumTool は PREMIUM プラン限定ツールかどうかを返します。
func IsPremiumTool(id string) bool {
	spec, ok := catalog[id]
	return ok && spec.Premium
}

// Catalog はカタログ全体のコピーを返します（使用量スナップショット表示用）。
func Catalog() map[string]ToolSpec {
	out := make(map[string]ToolSpec, len(catalog))
	for id, spec := range catalog {
		out[id] = spec
	}
	return out
}
