package main

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakeBatch is a scriptable BatchOracle: tests set the status and
// per-item results a job reports.
type fakeBatch struct {
	submitted [][]BatchRequest
	nextID    string
	status    BatchStatus
	results   []BatchResult
	submitErr error
}

func (f *fakeBatch) Submit(_ context.Context, _ string, requests []BatchRequest) (string, int, error) {
	if f.submitErr != nil {
		return "", 0, f.submitErr
	}
	f.submitted = append(f.submitted, requests)
	if f.nextID == "" {
		f.nextID = "batch_test"
	}
	return f.nextID, len(requests), nil
}

func (f *fakeBatch) Status(_ context.Context, _ string) (BatchStatus, error) {
	return f.status, nil
}

func (f *fakeBatch) Results(_ context.Context, _ string, fn func(BatchResult) error) error {
	for _, r := range f.results {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func newTestOrchestrator(t *testing.T, repo *testRepo, batch BatchOracle) (*Orchestrator, *Store) {
	t.Helper()
	store := newTestStore(t)
	cfg := pipelineConfig(repo.dir, "")
	return NewOrchestrator(cfg, store, repo.git, batch), store
}

// ingest discovers the repo's commits into the store without enriching.
func ingest(t *testing.T, repo *testRepo, store *Store) []string {
	t.Helper()
	hashes, err := repo.git.Hashes("main", time.Time{})
	if err != nil {
		t.Fatalf("Hashes failed: %v", err)
	}
	commits, err := repo.git.InfoBatch(hashes)
	if err != nil {
		t.Fatalf("InfoBatch failed: %v", err)
	}
	if _, err := store.InsertCommits(commits); err != nil {
		t.Fatalf("InsertCommits failed: %v", err)
	}
	return hashes
}

func TestBatchSubmitEnrichment(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("a.go", "package main\n")
	repo.commit("Add a")
	repo.write("b.go", "package main\n")
	repo.commit("Add b")

	batch := &fakeBatch{nextID: "batch_enrich_1"}
	o, store := newTestOrchestrator(t, repo, batch)
	ingest(t, repo, store)

	outcome, err := o.Run(context.Background(), JobTypeEnrich)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.Action != "submitted" || outcome.JobID != "batch_enrich_1" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(batch.submitted) != 1 || len(batch.submitted[0]) != 2 {
		t.Fatalf("unexpected submission: %+v", batch.submitted)
	}
	for _, req := range batch.submitted[0] {
		if !strings.Contains(req.UserPrompt, ".go (") {
			t.Errorf("request %s does not list the touched file:\n%s", req.CustomID, req.UserPrompt)
		}
	}

	// The job row is persisted before anything else can happen.
	job, pending, err := store.NonTerminalJob(JobTypeEnrich)
	if err != nil || !pending {
		t.Fatalf("expected pending job, err=%v", err)
	}
	if job.BatchID != "batch_enrich_1" || job.RequestCount != 2 || job.ModelUsed != "test-model" {
		t.Fatalf("unexpected job row: %+v", job)
	}
}

func TestBatchSingleFlight(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("a.go", "package main\n")
	repo.commit("Add a")

	batch := &fakeBatch{
		nextID: "batch_first",
		status: BatchStatus{State: BatchStateInProgress, Processing: 1},
	}
	o, store := newTestOrchestrator(t, repo, batch)
	ingest(t, repo, store)

	if _, err := o.Run(context.Background(), JobTypeEnrich); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}

	// With a job outstanding, another Run polls instead of submitting.
	outcome, err := o.Run(context.Background(), JobTypeEnrich)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if outcome.Action != "polled" {
		t.Fatalf("expected poll, got %q", outcome.Action)
	}
	if len(batch.submitted) != 1 {
		t.Fatalf("second Run submitted a new job")
	}

	job, pending, _ := store.NonTerminalJob(JobTypeEnrich)
	if !pending || job.Status != JobStatusInProgress {
		t.Fatalf("polled status not persisted: %+v", job)
	}
}

func TestBatchImportEnrichment(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("good.go", "package main\n")
	goodHash := repo.commit("Good work")
	repo.write("bad.go", "package main\n")
	badHash := repo.commit("Bad work")
	repo.write("junk.go", "package main\n")
	junkHash := repo.commit("Junk work")

	batch := &fakeBatch{nextID: "batch_import"}
	o, store := newTestOrchestrator(t, repo, batch)
	ingest(t, repo, store)

	if _, err := o.Run(context.Background(), JobTypeEnrich); err != nil {
		t.Fatalf("submit Run failed: %v", err)
	}

	batch.status = BatchStatus{State: BatchStateEnded, Succeeded: 2, Errored: 1}
	batch.results = []BatchResult{
		{CustomID: goodHash, Outcome: BatchSucceeded, Text: `{"classification": "feature", "summary": "Adds good."}`},
		{CustomID: badHash, Outcome: BatchErrored, ErrMsg: "overloaded"},
		{CustomID: junkHash, Outcome: BatchSucceeded, Text: "this is not json"},
	}

	outcome, err := o.Run(context.Background(), JobTypeEnrich)
	if err != nil {
		t.Fatalf("import Run failed: %v", err)
	}
	if outcome.Action != "imported" || outcome.Applied != 1 || outcome.Failed != 2 {
		t.Fatalf("unexpected import outcome: %+v", outcome)
	}

	good, err := store.ResolveCommit(goodHash)
	if err != nil {
		t.Fatalf("ResolveCommit failed: %v", err)
	}
	if good.Classification != ClassFeature {
		t.Fatalf("good commit not enriched: %+v", good)
	}

	// Failed and unparsable items stay pending for a later submission.
	pending, err := store.UnenrichedCommits(time.Time{})
	if err != nil {
		t.Fatalf("UnenrichedCommits failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 still pending, got %d", len(pending))
	}

	// Terminal: no job outstanding, search index covers the import.
	if _, stillPending, _ := store.NonTerminalJob(JobTypeEnrich); stillPending {
		t.Fatalf("job still pending after import")
	}
	if hits, _ := store.SearchCommits("good", 10); len(hits) != 1 {
		t.Fatalf("imported commit not searchable: %v", hits)
	}
}

func TestBatchSubmitEvalPersistsSideTable(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("a.go", "package main\nfunc A() {}\n")
	hash := repo.commit("feat: add A")

	batch := &fakeBatch{nextID: "batch_eval"}
	o, store := newTestOrchestrator(t, repo, batch)
	ingest(t, repo, store)
	if err := store.MarkEnriched(hash, ClassFeature, "Adds the A function.", "m"); err != nil {
		t.Fatalf("MarkEnriched failed: %v", err)
	}

	outcome, err := o.Run(context.Background(), JobTypeEval)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.Action != "submitted" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	items, err := store.BatchItems("batch_eval")
	if err != nil {
		t.Fatalf("BatchItems failed: %v", err)
	}
	item, ok := items[hash]
	if !ok || item.Classification != ClassFeature || item.Summary != "Adds the A function." {
		t.Fatalf("side table missing enrichment context: %+v", items)
	}

	// The judge prompt carries the stored label and summary.
	req := batch.submitted[0][0]
	if !strings.Contains(req.UserPrompt, "Assigned classification: feature") {
		t.Fatalf("judge prompt missing context:\n%s", req.UserPrompt)
	}
}

func TestBatchImportEval(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("a.go", "package main\n")
	hash := repo.commit("fix: repair the thing")

	batch := &fakeBatch{nextID: "batch_eval_2"}
	o, store := newTestOrchestrator(t, repo, batch)
	ingest(t, repo, store)
	if err := store.MarkEnriched(hash, ClassFix, "Repairs the thing.", "m"); err != nil {
		t.Fatalf("MarkEnriched failed: %v", err)
	}

	if _, err := o.Run(context.Background(), JobTypeEval); err != nil {
		t.Fatalf("submit Run failed: %v", err)
	}

	// Judge disagrees, but the conventional prefix backs the stored
	// label, so reconciliation flips the verdict.
	batch.status = BatchStatus{State: BatchStateEnded, Succeeded: 1}
	batch.results = []BatchResult{
		{CustomID: hash, Outcome: BatchSucceeded, Text: `{
			"classification_correct": false,
			"classification_reason": "Looks like a refactor.",
			"suggested_classification": "refactor",
			"summary_accurate": true,
			"summary_accuracy_reason": "ok",
			"summary_complete": true,
			"completeness_reason": "ok"
		}`},
	}

	outcome, err := o.Run(context.Background(), JobTypeEval)
	if err != nil {
		t.Fatalf("import Run failed: %v", err)
	}
	if outcome.Action != "imported" || outcome.Applied != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.EvalSummary == nil || outcome.EvalSummary.ClassificationCorrect != 1 {
		t.Fatalf("reconciliation did not apply: %+v", outcome.EvalSummary)
	}
	if len(outcome.EvalResults) != 1 || !outcome.EvalResults[0].Reconciled {
		t.Fatalf("result not marked reconciled: %+v", outcome.EvalResults)
	}

	// Side table cleaned up on the terminal transition.
	if items, _ := store.BatchItems("batch_eval_2"); len(items) != 0 {
		t.Fatalf("batch items not deleted: %+v", items)
	}
}

func TestBatchSubmitSkipsEmptyMergeCommits(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("base.txt", "base\n")
	repo.commit("Base")
	repo.cmd("checkout", "-b", "side")
	repo.write("side.txt", "side\n")
	repo.commit("Side")
	repo.cmd("checkout", "main")
	repo.write("other.txt", "other\n")
	repo.commit("Other")
	repo.cmd("merge", "--no-ff", "-m", "Merge branch 'side'", "side")
	mergeHash := repo.cmd("rev-parse", "HEAD")

	batch := &fakeBatch{nextID: "batch_merge"}
	o, store := newTestOrchestrator(t, repo, batch)
	ingest(t, repo, store)

	if _, err := o.Run(context.Background(), JobTypeEnrich); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, req := range batch.submitted[0] {
		if req.CustomID == mergeHash {
			t.Fatalf("merge commit submitted to the provider")
		}
	}
	merge, err := store.ResolveCommit(mergeHash)
	if err != nil {
		t.Fatalf("ResolveCommit failed: %v", err)
	}
	if merge.Classification != ClassChore || merge.ModelUsed != "rule:merge" {
		t.Fatalf("merge not auto-classified: %+v", merge)
	}
}

func TestPackChunk(t *testing.T) {
	reqs := func(n, promptLen int) []BatchRequest {
		out := make([]BatchRequest, n)
		for i := range out {
			out[i] = BatchRequest{
				CustomID:   fmt.Sprintf("hash%04d", i),
				UserPrompt: strings.Repeat("x", promptLen),
			}
		}
		return out
	}

	// Item bound.
	if got := packChunk(reqs(10, 10), 3, 1<<20); len(got) != 3 {
		t.Fatalf("item bound: got %d, want 3", len(got))
	}
	// Byte bound: each item costs 8 + 10 + envelope.
	cost := 8 + 10 + batchRequestEnvelope
	if got := packChunk(reqs(10, 10), 100, cost*2); len(got) != 2 {
		t.Fatalf("byte bound: got %d, want 2", len(got))
	}
	// An oversized first item is still admitted; the chunk is never empty
	// while work remains.
	if got := packChunk(reqs(2, 1<<20), 100, 10); len(got) != 1 {
		t.Fatalf("oversized first item: got %d, want 1", len(got))
	}
	// Everything fits.
	if got := packChunk(reqs(4, 10), 100, 1<<20); len(got) != 4 {
		t.Fatalf("all fit: got %d, want 4", len(got))
	}
	if got := packChunk(nil, 100, 1<<20); len(got) != 0 {
		t.Fatalf("empty input: got %d", len(got))
	}
}
