package main

import "testing"

func TestMeasureSource(t *testing.T) {
	cases := []struct {
		name      string
		content   string
		wantLOC   int
		wantCmplx float64
	}{
		{name: "empty", content: "", wantLOC: 0, wantCmplx: 0},
		{name: "blank lines only", content: "\n\n  \n\t\n", wantLOC: 0, wantCmplx: 0},
		{name: "flat", content: "a\nb\nc\n", wantLOC: 3, wantCmplx: 0},
		{
			name:      "tabs",
			content:   "func f() {\n\tif x {\n\t\treturn\n\t}\n}\n",
			wantLOC:   5,
			wantCmplx: 4.0 / 5.0, // depths 0,1,2,1,0
		},
		{
			name:      "four spaces per level",
			content:   "def f():\n    if x:\n        return\n",
			wantLOC:   3,
			wantCmplx: 1.0, // depths 0,1,2
		},
		{
			name:      "binary",
			content:   "ELF\x00\x01\x02",
			wantLOC:   0,
			wantCmplx: 0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			loc, cmplx := measureSource([]byte(tc.content))
			if loc != tc.wantLOC || cmplx != tc.wantCmplx {
				t.Fatalf("measureSource = %d, %v; want %d, %v", loc, cmplx, tc.wantLOC, tc.wantCmplx)
			}
		})
	}
}

func TestIndentDepth(t *testing.T) {
	cases := map[string]int{
		"":         0,
		"\t":       1,
		"\t\t":     2,
		"    ":     1,
		"        ": 2,
		"  ":       0, // two spaces do not reach a level
		"\t  ":     1,
	}
	for ws, want := range cases {
		if got := indentDepth([]byte(ws)); got != want {
			t.Errorf("indentDepth(%q) = %d, want %d", ws, got, want)
		}
	}
}

func TestMeasureCommits(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("deep.go", "package main\n\nfunc f() {\n\tif true {\n\t\treturn\n\t}\n}\n")
	hash := repo.commit("Add nested function")

	store := newTestStore(t)
	commits, err := repo.git.InfoBatch([]string{hash})
	if err != nil {
		t.Fatalf("InfoBatch failed: %v", err)
	}
	if _, err := store.InsertCommits(commits); err != nil {
		t.Fatalf("InsertCommits failed: %v", err)
	}

	measured, err := MeasureCommits(store, repo.git, []string{hash}, nil)
	if err != nil {
		t.Fatalf("MeasureCommits failed: %v", err)
	}
	if measured != 1 {
		t.Fatalf("measured = %d, want 1", measured)
	}

	files, err := store.FilesForCommit(hash)
	if err != nil {
		t.Fatalf("FilesForCommit failed: %v", err)
	}
	f := files[0]
	if !f.Measured || f.LinesOfCode != 6 {
		t.Fatalf("unexpected measurement: %+v", f)
	}
	if f.IndentComplexity <= 0 {
		t.Fatalf("expected positive complexity, got %v", f.IndentComplexity)
	}

	// Re-running finds nothing unmeasured.
	measured, err = MeasureCommits(store, repo.git, []string{hash}, nil)
	if err != nil || measured != 0 {
		t.Fatalf("second MeasureCommits = %d, %v; want 0", measured, err)
	}
}

func TestMeasureSkipsDeletedFiles(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("gone.go", "package main\n")
	repo.commit("Add file")
	repo.cmd("rm", "gone.go")
	delHash := repo.commit("Remove file")

	store := newTestStore(t)
	commits, err := repo.git.InfoBatch([]string{delHash})
	if err != nil {
		t.Fatalf("InfoBatch failed: %v", err)
	}
	if _, err := store.InsertCommits(commits); err != nil {
		t.Fatalf("InsertCommits failed: %v", err)
	}

	unmeasured, err := store.UnmeasuredFiles([]string{delHash})
	if err != nil {
		t.Fatalf("UnmeasuredFiles failed: %v", err)
	}
	if len(unmeasured) != 0 {
		t.Fatalf("deleted file should not need measurement: %+v", unmeasured)
	}
}
