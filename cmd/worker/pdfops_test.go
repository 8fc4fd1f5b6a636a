package main

import (
	"errors"
	"testing"

	"github.com/yourusername/docmill/internal/workflow"
)

func TestParsePageRanges(t *testing.T) {
	ranges, err := parsePageRanges("1-3,5,8-", 10)
	if err != nil {
		t.Fatalf("parsePageRanges returned error: %v", err)
	}
	want := []pageRange{{1, 3}, {5, 5}, {8, 10}}
	if len(ranges) != len(want) {
		t.Fatalf("ranges = %#v, want %#v", ranges, want)
	}
	for i, r := range ranges {
		if r != want[i] {
			t.Fatalf("ranges[%d] = %#v, want %#v", i, r, want[i])
		}
	}
}

func TestParsePageRangesRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		expr string
	}{
		{"out of bounds", "1-20"},
		{"descending", "5,3"},
		{"overlap", "1-4,3-6"},
		{"empty segment", "1,,3"},
		{"not a number", "abc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parsePageRanges(tc.expr, 10); err == nil {
				t.Fatalf("expected error for %q", tc.expr)
			}
		})
	}
}

func TestValidateOrder(t *testing.T) {
	if err := validateOrder([]int{2, 0, 1}, 3); err != nil {
		t.Fatalf("validateOrder returned error: %v", err)
	}
	if err := validateOrder([]int{0, 1}, 3); err == nil {
		t.Fatal("expected error for short order")
	}
	if err := validateOrder([]int{0, 0, 1}, 3); err == nil {
		t.Fatal("expected error for duplicate page")
	}
	if err := validateOrder([]int{0, 1, 3}, 3); err == nil {
		t.Fatal("expected error for out-of-range page")
	}
}

func TestConfigHelpers(t *testing.T) {
	step := workflow.Step{Tool: "rotate", Config: map[string]any{
		"angle": float64(90),
		"text":  "confidential",
		"order": []any{float64(1), float64(0)},
	}}

	angle, err := intConfig(step, "angle")
	if err != nil || angle != 90 {
		t.Fatalf("intConfig = %d, %v", angle, err)
	}
	text, err := stringConfig(step, "text")
	if err != nil || text != "confidential" {
		t.Fatalf("stringConfig = %q, %v", text, err)
	}
	order, err := intSliceConfig(step, "order")
	if err != nil || len(order) != 2 || order[0] != 1 {
		t.Fatalf("intSliceConfig = %#v, %v", order, err)
	}

	if _, err := intConfig(step, "missing"); err == nil {
		t.Fatal("expected error for missing key")
	}
	if _, err := stringConfig(workflow.Step{Config: map[string]any{"text": "  "}}, "text"); err == nil {
		t.Fatal("expected error for blank string")
	}
}

func TestRunStepRejectsUnsupportedTool(t *testing.T) {
	_, err := runStep(workflow.Step{Tool: "ocr"}, []string{"in.pdf"}, t.TempDir())
	var terr *toolError
	if !errors.As(err, &terr) {
		t.Fatalf("expected toolError, got %v", err)
	}
	if terr.Code != "UNSUPPORTED_TOOL" {
		t.Fatalf("code = %s, want UNSUPPORTED_TOOL", terr.Code)
	}
}
