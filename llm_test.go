package main

import (
	"strings"
	"testing"
	"time"
)

func TestFitCommitContextFullDiff(t *testing.T) {
	files := []CommitFile{file("main.go", 10, 2)}
	diff := "diff --git a/main.go b/main.go\n+hello\n"

	fileBlock, diffBlock := fitCommitContext(files, diff, 10000)
	if !strings.Contains(fileBlock, "main.go") {
		t.Fatalf("file block missing path: %q", fileBlock)
	}
	if diffBlock != diff {
		t.Fatalf("expected full diff under a generous budget, got %q", diffBlock)
	}
}

func TestFitCommitContextTruncatesDiff(t *testing.T) {
	files := []CommitFile{file("main.go", 500, 0)}
	diff := strings.Repeat("+added line of code\n", 500)

	fileBlock, diffBlock := fitCommitContext(files, diff, 100)
	if !strings.HasSuffix(diffBlock, diffTruncatedMarker) {
		t.Fatalf("expected truncation marker, got tail %q", diffBlock[len(diffBlock)-40:])
	}
	if len(diffBlock) >= len(diff) {
		t.Fatalf("diff was not shortened: %d >= %d", len(diffBlock), len(diff))
	}
	if got := estimateTokens(fileBlock) + estimateTokens(diffBlock); got > 100 {
		t.Fatalf("truncated context overshoots budget: %d tokens", got)
	}
}

func TestFitCommitContextDropsDiffForHugeFileList(t *testing.T) {
	var files []CommitFile
	for i := 0; i < 400; i++ {
		files = append(files, file(strings.Repeat("d/", 10)+"file.go", 1, 1))
	}

	fileBlock, diffBlock := fitCommitContext(files, "some diff", 50)
	if diffBlock != diffOmittedPlaceholder {
		t.Fatalf("expected diff omitted, got %q", diffBlock)
	}
	if !strings.Contains(fileBlock, "more files") {
		t.Fatalf("expected truncated file list marker, got %q", fileBlock)
	}
}

func TestBuildEnrichPromptsIncludesMetadata(t *testing.T) {
	c := testCommit("abc123", "Add search endpoint\n\nLong body.", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		file("api/search.go", 80, 0))
	system, user := buildEnrichPrompts(c, "+func Search()", 20000)

	if !strings.Contains(system, "chore") {
		t.Fatalf("system prompt missing label set")
	}
	for _, want := range []string{"abc123", "Alice", "2026-03-01", "Add search endpoint", "api/search.go", "+func Search()"} {
		if !strings.Contains(user, want) {
			t.Fatalf("user prompt missing %q:\n%s", want, user)
		}
	}
}

func TestParseEnrichResponse(t *testing.T) {
	cases := []struct {
		name      string
		input     string
		wantClass string
		wantSum   string
		wantErr   bool
	}{
		{
			name:      "plain json",
			input:     `{"classification": "fix", "summary": "Fixes a nil deref."}`,
			wantClass: ClassFix,
			wantSum:   "Fixes a nil deref.",
		},
		{
			name:      "fenced json",
			input:     "```json\n{\"classification\": \"docs\", \"summary\": \"Updates the README.\"}\n```",
			wantClass: ClassDocs,
			wantSum:   "Updates the README.",
		},
		{
			name:      "unknown label normalized to chore",
			input:     `{"classification": "improvement", "summary": "Does things."}`,
			wantClass: ClassChore,
			wantSum:   "Does things.",
		},
		{
			name:      "case and whitespace normalized",
			input:     `{"classification": " Feature ", "summary": "  Adds a flag.  "}`,
			wantClass: ClassFeature,
			wantSum:   "Adds a flag.",
		},
		{
			name:    "empty summary rejected",
			input:   `{"classification": "fix", "summary": ""}`,
			wantErr: true,
		},
		{
			name:    "malformed json rejected",
			input:   `not json at all`,
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			class, summary, err := parseEnrichResponse(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q/%q", class, summary)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if class != tc.wantClass || summary != tc.wantSum {
				t.Fatalf("got %q/%q, want %q/%q", class, summary, tc.wantClass, tc.wantSum)
			}
		})
	}
}

func TestParseJudgeResponse(t *testing.T) {
	input := "```json\n" + `{
		"classification_correct": false,
		"classification_reason": "This adds behavior.",
		"suggested_classification": "Feature",
		"summary_accurate": true,
		"summary_accuracy_reason": "Matches the diff.",
		"summary_complete": false,
		"completeness_reason": "Misses the schema change."
	}` + "\n```"

	v, err := parseJudgeResponse(input)
	if err != nil {
		t.Fatalf("parseJudgeResponse failed: %v", err)
	}
	if v.ClassificationCorrect || !v.SummaryAccurate || v.SummaryComplete {
		t.Fatalf("unexpected verdicts: %+v", v)
	}
	if v.SuggestedClassification != ClassFeature {
		t.Fatalf("suggested classification not normalized: %q", v.SuggestedClassification)
	}

	if _, err := parseJudgeResponse("garbage"); err == nil {
		t.Fatalf("expected error for malformed judge response")
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := estimateTokens(strings.Repeat("x", 400)); got != 100 {
		t.Fatalf("estimateTokens = %d, want 100", got)
	}
}
