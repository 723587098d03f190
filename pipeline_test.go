package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeOracle returns canned enrichment responses and records every
// prompt it sees.
type fakeOracle struct {
	mu        sync.Mutex
	calls     int
	prompts   []string
	responses map[string]string // substring of user prompt -> response
	failOn    string            // substring of user prompt that errors
}

func (f *fakeOracle) Complete(_ context.Context, _, _, userPrompt string) (string, Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, userPrompt)
	if f.failOn != "" && strings.Contains(userPrompt, f.failOn) {
		return "", Usage{}, fmt.Errorf("simulated oracle failure")
	}
	for key, resp := range f.responses {
		if strings.Contains(userPrompt, key) {
			return resp, Usage{InputTokens: 100, OutputTokens: 20}, nil
		}
	}
	return `{"classification": "chore", "summary": "Fallback summary."}`, Usage{}, nil
}

func pipelineConfig(repoPath, dbPath string) Config {
	return Config{
		RepoPath:        repoPath,
		Branch:          "main",
		DBPath:          dbPath,
		EnrichModel:     "test-model",
		JudgeModel:      "test-judge",
		EnrichWindow:    2,
		TokenBudget:     20000,
		DiffMaxChars:    200000,
		EvalSampleSize:  20,
		BatchMaxItems:   1000,
		BatchMaxBytes:   12 << 20,
		CouplingFileCap: 200,
	}
}

func newTestPipeline(t *testing.T, repo *testRepo, oracle SyncOracle) (*Pipeline, *Store) {
	t.Helper()
	store := newTestStore(t)
	cfg := pipelineConfig(repo.dir, "")
	return NewPipeline(cfg, store, repo.git, oracle), store
}

func TestPipelineRunEnrichesNewCommits(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("feature.go", "package main\n\nfunc Feature() {\n\treturn\n}\n")
	h1 := repo.commit("Add feature endpoint")
	repo.write("feature.go", "package main\n\nfunc Feature() {}\n")
	h2 := repo.commit("Fix feature panic")

	oracle := &fakeOracle{responses: map[string]string{
		"Add feature endpoint": `{"classification": "feature", "summary": "Adds the feature endpoint."}`,
		"Fix feature panic":    `{"classification": "fix", "summary": "Fixes a panic in the endpoint."}`,
	}}
	p, store := newTestPipeline(t, repo, oracle)

	var phases []string
	result, err := p.Run(context.Background(), time.Time{}, func(pr Progress) {
		phases = append(phases, pr.Phase)
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Discovered != 2 || result.Enriched != 2 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if oracle.calls != 2 {
		t.Fatalf("oracle calls = %d, want 2", oracle.calls)
	}

	c1, err := store.ResolveCommit(h1)
	if err != nil {
		t.Fatalf("ResolveCommit failed: %v", err)
	}
	if c1.Classification != ClassFeature {
		t.Fatalf("h1 classification = %q", c1.Classification)
	}
	c2, _ := store.ResolveCommit(h2)
	if c2.Classification != ClassFix {
		t.Fatalf("h2 classification = %q", c2.Classification)
	}

	// Every oracle request names the touched paths.
	for i, prompt := range oracle.prompts {
		if !strings.Contains(prompt, "- feature.go (") {
			t.Errorf("prompt %d does not list feature.go:\n%s", i, prompt)
		}
	}

	// Derived tables and search index refreshed in the same run.
	if hits, err := store.SearchCommits("panic", 10); err != nil || len(hits) != 1 {
		t.Fatalf("search after run: hits=%v err=%v", hits, err)
	}
	for _, want := range []string{"discover", "enrich", "aggregate", "reindex", "done"} {
		found := false
		for _, p := range phases {
			if p == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing progress phase %q in %v", want, phases)
		}
	}

	// A second run discovers nothing and never calls the oracle.
	result, err = p.Run(context.Background(), time.Time{}, nil)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if result.Discovered != 0 || result.Enriched != 0 || oracle.calls != 2 {
		t.Fatalf("second run not a no-op: %+v calls=%d", result, oracle.calls)
	}
}

func TestPipelineProgressCounters(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("a.go", "package main\n")
	repo.commit("Add a")
	repo.write("b.go", "package main\n")
	repo.commit("Add b")
	repo.write("c.go", "package main\n")
	repo.commit("Add c")

	store := newTestStore(t)
	cfg := pipelineConfig(repo.dir, "")
	cfg.EnrichWindow = 1
	p := NewPipeline(cfg, store, repo.git, &fakeOracle{})

	var currents []int
	_, err := p.Run(context.Background(), time.Time{}, func(pr Progress) {
		if pr.Phase == "enrich" {
			currents = append(currents, pr.Current)
		}
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// With a window of one, each commit reports the count completed
	// before it started and the count after it finished.
	want := []int{0, 1, 1, 2, 2, 3}
	if len(currents) != len(want) {
		t.Fatalf("progress counters = %v, want %v", currents, want)
	}
	for i := range want {
		if currents[i] != want[i] {
			t.Fatalf("progress counters = %v, want %v", currents, want)
		}
	}
}

func TestPipelineMergeShortcut(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("base.txt", "base\n")
	repo.commit("Base commit")
	repo.cmd("checkout", "-b", "topic")
	repo.write("topic.txt", "topic\n")
	repo.commit("Topic work")
	repo.cmd("checkout", "main")
	repo.write("main.txt", "main\n")
	repo.commit("Main work")
	repo.cmd("merge", "--no-ff", "-m", "Merge branch 'topic'", "topic")
	mergeHash := repo.cmd("rev-parse", "HEAD")

	oracle := &fakeOracle{responses: map[string]string{}}
	p, store := newTestPipeline(t, repo, oracle)

	result, err := p.Run(context.Background(), time.Time{}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.AutoChores != 1 {
		t.Fatalf("auto chores = %d, want 1", result.AutoChores)
	}

	merge, err := store.ResolveCommit(mergeHash)
	if err != nil {
		t.Fatalf("ResolveCommit failed: %v", err)
	}
	if merge.Classification != ClassChore || merge.ModelUsed != "rule:merge" {
		t.Fatalf("merge not short-circuited: class=%q model=%q", merge.Classification, merge.ModelUsed)
	}

	// The oracle saw the three real commits but never the merge.
	for _, prompt := range oracle.prompts {
		if strings.Contains(prompt, mergeHash) {
			t.Fatalf("merge commit reached the oracle")
		}
	}
	if oracle.calls != 3 {
		t.Fatalf("oracle calls = %d, want 3", oracle.calls)
	}
}

func TestPipelineOracleFailureLeavesCommitPending(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("good.go", "package main\n")
	repo.commit("Good commit")
	repo.write("bad.go", "package main\n")
	badHash := repo.commit("Bad commit")

	oracle := &fakeOracle{
		failOn: "Bad commit",
		responses: map[string]string{
			"Good commit": `{"classification": "chore", "summary": "Adds a file."}`,
		},
	}
	p, store := newTestPipeline(t, repo, oracle)

	result, err := p.Run(context.Background(), time.Time{}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Enriched != 1 || result.Failed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], shortHash(badHash)) {
		t.Fatalf("errors do not name the failed commit: %v", result.Errors)
	}

	// The failed commit stays pending and is retried next run.
	pending, err := store.UnenrichedCommits(time.Time{})
	if err != nil {
		t.Fatalf("UnenrichedCommits failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Hash != badHash {
		t.Fatalf("expected %s pending, got %+v", badHash, pending)
	}

	oracle.failOn = ""
	oracle.responses["Bad commit"] = `{"classification": "fix", "summary": "Retried fine."}`
	result, err = p.Run(context.Background(), time.Time{}, nil)
	if err != nil {
		t.Fatalf("retry Run failed: %v", err)
	}
	if result.Enriched != 1 || result.Failed != 0 {
		t.Fatalf("retry result: %+v", result)
	}
}

func TestPipelineCancellationBetweenWindows(t *testing.T) {
	repo := newTestRepo(t)
	for i := 0; i < 4; i++ {
		repo.write(fmt.Sprintf("f%d.go", i), "package main\n")
		repo.commit(fmt.Sprintf("Commit number %d", i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	oracle := &fakeOracle{responses: map[string]string{}}
	// Cancel as soon as the first call lands; with a window of 2, the
	// first window finishes and the second never starts.
	var cancelOnce sync.Once
	wrapped := completeFunc(func(ctx context.Context, model, system, user string) (string, Usage, error) {
		cancelOnce.Do(cancel)
		return oracle.Complete(ctx, model, system, user)
	})

	p, store := newTestPipeline(t, repo, wrapped)
	result, err := p.Run(ctx, time.Time{}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Enriched != 2 {
		t.Fatalf("enriched = %d, want the first window of 2", result.Enriched)
	}
	pending, _ := store.UnenrichedCommits(time.Time{})
	if len(pending) != 2 {
		t.Fatalf("expected 2 commits left pending, got %d", len(pending))
	}
}

// completeFunc adapts a function to SyncOracle.
type completeFunc func(ctx context.Context, model, systemPrompt, userPrompt string) (string, Usage, error)

func (f completeFunc) Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, Usage, error) {
	return f(ctx, model, systemPrompt, userPrompt)
}

func TestUnionHashes(t *testing.T) {
	got := unionHashes([]string{"a", "b"}, []string{"b", "c", "a"})
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unionHashes = %v", got)
	}
}
