package main

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/yourusername/docmill/internal/workflow"
)

// toolError はユーザーに提示可能な失敗理由を運びます。
// これ以外のエラーは PROCESSING_FAILED として報告されます。
type toolError struct {
	Code    string
	Message string
	cause   error
}

func (e *toolError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *toolError) Unwrap() error { return e.cause }

func newToolError(code, message string, cause error) *toolError {
	return &toolError{Code: code, Message: message, cause: cause}
}

// runStep は1ステップを実行し、出力ファイルのパスを返します。
func runStep(step workflow.Step, inputs []string, outDir string) ([]string, error) {
	if len(inputs) == 0 {
		return nil, newToolError("INVALID_INPUT", "入力ファイルがありません。", nil)
	}

	switch step.Tool {
	case "merge":
		return runMerge(inputs, outDir)
	case "split":
		return runSplit(step, singleInput(inputs), outDir)
	case "reorder":
		return runReorder(step, singleInput(inputs), outDir)
	case "rotate":
		return runRotate(step, singleInput(inputs), outDir)
	case "optimize":
		return runOptimize(singleInput(inputs), outDir)
	case "watermark":
		return runWatermark(step, singleInput(inputs), outDir)
	case "protect":
		return runProtect(step, singleInput(inputs), outDir)
	case "image-to-pdf":
		return runImageToPDF(inputs, outDir)
	default:
		// OCRやOffice変換は外部エンジンが必要で、このワーカーでは処理できない
		return nil, newToolError("UNSUPPORTED_TOOL",
			fmt.Sprintf("このワーカーはツール %s を処理できません。", step.Tool), nil)
	}
}

// singleInput は単一入力ツールの入力を返します。チェーン検証済みのジョブでは
// 先頭ステップ以外は常に1ファイルです。
func singleInput(inputs []string) string {
	return inputs[0]
}

func runMerge(inputs []string, outDir string) ([]string, error) {
	outPath := filepath.Join(outDir, "merged.pdf")
	if err := pdfapi.MergeCreateFile(inputs, outPath, false, nil); err != nil {
		return nil, newToolError("UNSUPPORTED_PDF", "PDFの結合に失敗しました。ファイルが破損していないか確認してください。", err)
	}
	return []string{outPath}, nil
}

func runSplit(step workflow.Step, input, outDir string) ([]string, error) {
	rangesExpr, err := stringConfig(step, "ranges")
	if err != nil {
		return nil, err
	}

	pageCount, err := pdfapi.PageCountFile(input)
	if err != nil {
		return nil, newToolError("UNSUPPORTED_PDF", "PDFのページ数取得に失敗しました。", err)
	}
	ranges, err := parsePageRanges(rangesExpr, pageCount)
	if err != nil {
		return nil, err
	}

	partPaths := make([]string, 0, len(ranges))
	for i, pr := range ranges {
		partPath := filepath.Join(outDir, fmt.Sprintf("part-%02d.pdf", i+1))
		if err := pdfapi.CollectFile(input, partPath, buildPageSelection(pr), nil); err != nil {
			return nil, newToolError("UNSUPPORTED_PDF", fmt.Sprintf("ページ範囲 %d の生成に失敗しました。", i+1), err)
		}
		partPaths = append(partPaths, partPath)
	}

	outPath := filepath.Join(outDir, "split.zip")
	if err := createZip(outPath, partPaths); err != nil {
		return nil, err
	}
	return []string{outPath}, nil
}

func runReorder(step workflow.Step, input, outDir string) ([]string, error) {
	order, err := intSliceConfig(step, "order")
	if err != nil {
		return nil, err
	}

	pageCount, err := pdfapi.PageCountFile(input)
	if err != nil {
		return nil, newToolError("UNSUPPORTED_PDF", "PDFのページ数取得に失敗しました。", err)
	}
	if err := validateOrder(order, pageCount); err != nil {
		return nil, err
	}

	selectedPages := make([]string, len(order))
	for i, idx := range order {
		selectedPages[i] = strconv.Itoa(idx + 1)
	}

	outPath := filepath.Join(outDir, "reordered.pdf")
	if err := pdfapi.CollectFile(input, outPath, selectedPages, nil); err != nil {
		return nil, newToolError("UNSUPPORTED_PDF", "PDFのページ入替に失敗しました。ファイルが破損していないか確認してください。", err)
	}
	return []string{outPath}, nil
}

func runRotate(step workflow.Step, input, outDir string) ([]string, error) {
	angle, err := intConfig(step, "angle")
	if err != nil {
		return nil, err
	}
	if angle%90 != 0 {
		return nil, newToolError("INVALID_INPUT", "回転角度は90度単位で指定してください。", nil)
	}

	outPath := filepath.Join(outDir, "rotated.pdf")
	if err := pdfapi.RotateFile(input, outPath, angle, nil, nil); err != nil {
		return nil, newToolError("UNSUPPORTED_PDF", "PDFの回転に失敗しました。", err)
	}
	return []string{outPath}, nil
}

func runOptimize(input, outDir string) ([]string, error) {
	outPath := filepath.Join(outDir, "optimized.pdf")
	if err := pdfapi.OptimizeFile(input, outPath, nil); err != nil {
		return nil, newToolError("UNSUPPORTED_PDF", "PDFの圧縮に失敗しました。", err)
	}
	return []string{outPath}, nil
}

func runWatermark(step workflow.Step, input, outDir string) ([]string, error) {
	text, err := stringConfig(step, "text")
	if err != nil {
		return nil, err
	}

	outPath := filepath.Join(outDir, "watermarked.pdf")
	if err := pdfapi.AddTextWatermarksFile(input, outPath, nil, true, text, "scale:0.5, op:.35, rot:45", nil); err != nil {
		return nil, newToolError("UNSUPPORTED_PDF", "透かしの追加に失敗しました。", err)
	}
	return []string{outPath}, nil
}

func runProtect(step workflow.Step, input, outDir string) ([]string, error) {
	password, err := stringConfig(step, "password")
	if err != nil {
		return nil, err
	}

	conf := model.NewAESConfiguration(password, password, 256)
	outPath := filepath.Join(outDir, "protected.pdf")
	if err := pdfapi.EncryptFile(input, outPath, conf); err != nil {
		return nil, newToolError("UNSUPPORTED_PDF", "PDFの暗号化に失敗しました。", err)
	}
	return []string{outPath}, nil
}

func runImageToPDF(inputs []string, outDir string) ([]string, error) {
	outPath := filepath.Join(outDir, "images.pdf")
	if err := pdfapi.ImportImagesFile(inputs, outPath, nil, nil); err != nil {
		return nil, newToolError("UNSUPPORTED_PDF", "画像からのPDF生成に失敗しました。", err)
	}
	return []string{outPath}, nil
}

func stringConfig(step workflow.Step, key string) (string, error) {
	raw, ok := step.Config[key]
	if !ok {
		return "", newToolError("INVALID_INPUT", fmt.Sprintf("設定 %s が指定されていません。", key), nil)
	}
	value, ok := raw.(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", newToolError("INVALID_INPUT", fmt.Sprintf("設定 %s は空でない文字列で指定してください。", key), nil)
	}
	return value, nil
}

func intConfig(step workflow.Step, key string) (int, error) {
	raw, ok := step.Config[key]
	if !ok {
		return 0, newToolError("INVALID_INPUT", fmt.Sprintf("設定 %s が指定されていません。", key), nil)
	}
	// JSON経由の数値は float64 で届く
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, newToolError("INVALID_INPUT", fmt.Sprintf("設定 %s は整数で指定してください。", key), nil)
		}
		return n, nil
	default:
		return 0, newToolError("INVALID_INPUT", fmt.Sprintf("設定 %s は整数で指定してください。", key), nil)
	}
}

func intSliceConfig(step workflow.Step, key string) ([]int, error) {
	raw, ok := step.Config[key]
	if !ok {
		return nil, newToolError("INVALID_INPUT", fmt.Sprintf("設定 %s が指定されていません。", key), nil)
	}
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, newToolError("INVALID_INPUT", fmt.Sprintf("設定 %s は整数配列で指定してください。", key), nil)
	}
	out := make([]int, len(items))
	for i, item := range items {
		n, ok := item.(float64)
		if !ok {
			return nil, newToolError("INVALID_INPUT", fmt.Sprintf("設定 %s は整数配列で指定してください。", key), nil)
		}
		out[i] = int(n)
	}
	return out, nil
}

func validateOrder(order []int, pageCount int) error {
	if len(order) != pageCount {
		return newToolError("INVALID_INPUT", "order配列の長さがページ数と一致していません。", nil)
	}
	seen := make([]bool, pageCount)
	for _, idx := range order {
		if idx < 0 || idx >= pageCount {
			return newToolError("INVALID_INPUT", "order配列に不正なページ番号が含まれています。", nil)
		}
		if seen[idx] {
			return newToolError("INVALID_INPUT", "order配列に重複した番号が含まれています。", nil)
		}
		seen[idx] = true
	}
	return nil
}

type pageRange struct {
	Start int
	End   int
}

func parsePageRanges(expr string, pageCount int) ([]pageRange, error) {
	segments := strings.Split(expr, ",")
	ranges := make([]pageRange, 0, len(segments))
	lastEnd := 0

	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil, newToolError("INVALID_INPUT", "空の範囲指定が含まれています。", nil)
		}
		start, end, err := parseSingleRange(seg, pageCount)
		if err != nil {
			return nil, err
		}
		if start <= lastEnd {
			return nil, newToolError("INVALID_INPUT", "ページ範囲は昇順かつ重複なしで指定してください。", nil)
		}
		lastEnd = end
		ranges = append(ranges, pageRange{Start: start, End: end})
	}

	if len(ranges) == 0 {
		return nil, newToolError("INVALID_INPUT", "有効なページ範囲が指定されていません。", nil)
	}
	return ranges, nil
}

func parseSingleRange(seg string, pageCount int) (int, int, error) {
	if strings.Contains(seg, "-") {
		parts := strings.SplitN(seg, "-", 2)
		start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return 0, 0, newToolError("INVALID_INPUT", "範囲開始が整数ではありません。", nil)
		}
		end := pageCount
		if trimmed := strings.TrimSpace(parts[1]); trimmed != "" {
			end, err = strconv.Atoi(trimmed)
			if err != nil {
				return 0, 0, newToolError("INVALID_INPUT", "範囲終了が整数ではありません。", nil)
			}
		}
		if start < 1 || end < start || end > pageCount {
			return 0, 0, newToolError("INVALID_INPUT", "範囲指定がページ数の範囲外です。", nil)
		}
		return start, end, nil
	}

	page, err := strconv.Atoi(seg)
	if err != nil {
		return 0, 0, newToolError("INVALID_INPUT", "ページ番号が整数ではありません。", nil)
	}
	if page < 1 || page > pageCount {
		return 0, 0, newToolError("INVALID_INPUT", "ページ番号がページ数の範囲外です。", nil)
	}
	return page, page, nil
}

func buildPageSelection(pr pageRange) []string {
	pages := make([]string, 0, pr.End-pr.Start+1)
	for p := pr.Start; p <= pr.End; p++ {
		pages = append(pages, strconv.Itoa(p))
	}
	return pages
}

func createZip(outputPath string, files []string) error {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("zipファイルの作成に失敗しました: %w", err)
	}
	defer outFile.Close()

	zipWriter := zip.NewWriter(outFile)
	defer zipWriter.Close()

	sort.Strings(files)

	for _, path := range files {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("zip入力ファイルのオープンに失敗しました: %w", err)
		}

		info, err := file.Stat()
		if err != nil {
			file.Close()
			return fmt.Errorf("zip入力ファイルの情報取得に失敗しました: %w", err)
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			file.Close()
			return fmt.Errorf("zipヘッダーの生成に失敗しました: %w", err)
		}
		header.Name = filepath.Base(path)
		header.Method = zip.Deflate

		writer, err := zipWriter.CreateHeader(header)
		if err != nil {
			file.Close()
			return fmt.Errorf("zipヘッダーの書き込みに失敗しました: %w", err)
		}

		if _, err := io.Copy(writer, file); err != nil {
			file.Close()
			return fmt.Errorf("zipへの書き込みに失敗しました: %w", err)
		}
		file.Close()
	}

	return nil
}
