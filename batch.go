package main

import (
	"context"
	"fmt"
	"log"
	"time"
)

// batchRequestEnvelope is the fixed per-item overhead added to the
// estimated serialized size of a request body when packing chunks.
const batchRequestEnvelope = 200

// Orchestrator is the persisted state machine around the provider's
// asynchronous batch lifecycle: none pending → submitted → in_progress →
// ended → (import) → none pending. Every transition-relevant fact is
// persisted before any commit mutation, so re-invoking after a crash
// resumes correctly.
type Orchestrator struct {
	cfg   Config
	store *Store
	git   *GitClient
	batch BatchOracle
	agg   *Aggregator
}

func NewOrchestrator(cfg Config, store *Store, git *GitClient, batch BatchOracle) *Orchestrator {
	return &Orchestrator{cfg: cfg, store: store, git: git, batch: batch, agg: NewAggregator(store, cfg.CouplingFileCap)}
}

// BatchRunOutcome describes what one orchestrator invocation did.
type BatchRunOutcome struct {
	JobID       string
	Action      string // "idle", "submitted", "polled", "imported"
	Status      BatchStatus
	Applied     int
	Failed      int
	EvalSummary *EvalSummary
	EvalResults []EvalResult
}

// Run advances the state machine one step for the given job type. If a
// non-terminal job exists it is polled (and imported once ended);
// otherwise eligible work is gathered and the first chunk submitted.
// Calling it repeatedly is safe: polling a still-running job only
// updates persisted counters.
func (o *Orchestrator) Run(ctx context.Context, jobType string) (BatchRunOutcome, error) {
	job, pending, err := o.store.NonTerminalJob(jobType)
	if err != nil {
		return BatchRunOutcome{}, err
	}
	if pending {
		return o.pollAndImport(ctx, job)
	}
	return o.submit(ctx, jobType)
}

// PollPending advances a pending job of the given type without
// submitting new work. The scheduler uses this: its enrichment runs
// synchronously, so it only harvests jobs submitted elsewhere.
func (o *Orchestrator) PollPending(ctx context.Context, jobType string) (BatchRunOutcome, error) {
	job, pending, err := o.store.NonTerminalJob(jobType)
	if err != nil || !pending {
		return BatchRunOutcome{Action: "idle"}, err
	}
	return o.pollAndImport(ctx, job)
}

func (o *Orchestrator) pollAndImport(ctx context.Context, job BatchJob) (BatchRunOutcome, error) {
	outcome := BatchRunOutcome{JobID: job.BatchID}

	status, err := o.batch.Status(ctx, job.BatchID)
	if err != nil {
		return outcome, err
	}
	outcome.Status = status

	if status.State != BatchStateEnded {
		// Status bookkeeping only; no commit mutation before the terminal
		// transition.
		if err := o.store.UpdateBatchJob(job.BatchID, JobStatusInProgress, status.Succeeded, status.Failed(), time.Time{}); err != nil {
			return outcome, err
		}
		log.Printf("batch poll type=%s id=%s processing=%d succeeded=%d failed=%d",
			job.Type, job.BatchID, status.Processing, status.Succeeded, status.Failed())
		outcome.Action = "polled"
		return outcome, nil
	}

	switch job.Type {
	case JobTypeEnrich:
		err = o.importEnrichment(ctx, job, &outcome)
	case JobTypeEval:
		err = o.importEval(ctx, job, &outcome)
	default:
		err = fmt.Errorf("unknown batch job type %q", job.Type)
	}
	if err != nil {
		return outcome, err
	}

	if err := o.store.UpdateBatchJob(job.BatchID, JobStatusEnded, status.Succeeded, status.Failed(), time.Now()); err != nil {
		return outcome, err
	}
	if err := o.store.DeleteBatchItems(job.BatchID); err != nil {
		return outcome, err
	}
	log.Printf("batch imported type=%s id=%s applied=%d failed=%d", job.Type, job.BatchID, outcome.Applied, outcome.Failed)
	outcome.Action = "imported"
	return outcome, nil
}

func (o *Orchestrator) importEnrichment(ctx context.Context, job BatchJob, outcome *BatchRunOutcome) error {
	var marks []EnrichedMark
	err := o.batch.Results(ctx, job.BatchID, func(r BatchResult) error {
		if r.Outcome != BatchSucceeded {
			// Counted, warned, never fatal; the commit stays unenriched
			// and is retried by a later submission.
			log.Printf("batch item %s hash=%s: %s", r.Outcome, shortHash(r.CustomID), r.ErrMsg)
			outcome.Failed++
			return nil
		}
		classification, summary, err := parseEnrichResponse(r.Text)
		if err != nil {
			log.Printf("batch item unparsable hash=%s: %v", shortHash(r.CustomID), err)
			outcome.Failed++
			return nil
		}
		marks = append(marks, EnrichedMark{Hash: r.CustomID, Classification: classification, Summary: summary})
		outcome.Applied++
		return nil
	})
	if err != nil {
		return err
	}

	if len(marks) == 0 {
		return nil
	}
	// All successful items land in one transaction.
	if err := o.store.MarkEnrichedBatch(marks, job.ModelUsed); err != nil {
		return err
	}
	applied := make([]string, len(marks))
	for i, m := range marks {
		applied[i] = m.Hash
	}
	if err := o.agg.RebuildIncremental(applied); err != nil {
		return err
	}
	return o.store.ReindexCommits(applied)
}

func (o *Orchestrator) importEval(ctx context.Context, job BatchJob, outcome *BatchRunOutcome) error {
	// The side table holds the original enrichment context; the provider
	// only echoes back our identifier.
	items, err := o.store.BatchItems(job.BatchID)
	if err != nil {
		return err
	}

	var results []EvalResult
	err = o.batch.Results(ctx, job.BatchID, func(r BatchResult) error {
		if r.Outcome != BatchSucceeded {
			log.Printf("batch item %s hash=%s: %s", r.Outcome, shortHash(r.CustomID), r.ErrMsg)
			outcome.Failed++
			return nil
		}
		item, ok := items[r.CustomID]
		if !ok {
			log.Printf("batch item unknown hash=%s", shortHash(r.CustomID))
			outcome.Failed++
			return nil
		}
		verdicts, err := parseJudgeResponse(r.Text)
		if err != nil {
			log.Printf("batch item unparsable hash=%s: %v", shortHash(r.CustomID), err)
			outcome.Failed++
			return nil
		}
		result := EvalResult{
			Hash:           item.CommitHash,
			Classification: item.Classification,
			Summary:        item.Summary,
			Verdicts:       verdicts,
		}
		if c, err := o.store.getCommit(item.CommitHash); err == nil {
			result.Subject = c.Subject()
		}
		reconcileVerdict(&result)
		results = append(results, result)
		outcome.Applied++
		return nil
	})
	if err != nil {
		return err
	}

	summary := summarizeEval(results)
	outcome.EvalSummary = &summary
	outcome.EvalResults = results
	return nil
}

func (o *Orchestrator) submit(ctx context.Context, jobType string) (BatchRunOutcome, error) {
	switch jobType {
	case JobTypeEnrich:
		return o.submitEnrichment(ctx)
	case JobTypeEval:
		return o.submitEval(ctx)
	default:
		return BatchRunOutcome{}, fmt.Errorf("unknown batch job type %q", jobType)
	}
}

func (o *Orchestrator) submitEnrichment(ctx context.Context) (BatchRunOutcome, error) {
	outcome := BatchRunOutcome{Action: "idle"}

	pending, err := o.store.UnenrichedCommits(time.Time{})
	if err != nil {
		return outcome, err
	}
	if len(pending) == 0 {
		return outcome, nil
	}

	hashes := make([]string, len(pending))
	for i, c := range pending {
		hashes[i] = c.Hash
	}
	diffs, err := o.git.DiffBatch(hashes, o.cfg.DiffMaxChars)
	if err != nil {
		return outcome, err
	}

	// Local shortcuts shrink the true oracle workload before submission.
	var requests []BatchRequest
	var shortcut []string
	for _, c := range pending {
		if isEmptyMerge(c, diffs[c.Hash]) {
			if err := o.store.MarkEnriched(c.Hash, ClassChore, mergeChoreSummary(c), "rule:merge"); err != nil {
				return outcome, err
			}
			shortcut = append(shortcut, c.Hash)
			continue
		}
		systemPrompt, userPrompt := buildEnrichPrompts(c, diffs[c.Hash], o.cfg.TokenBudget)
		requests = append(requests, BatchRequest{CustomID: c.Hash, SystemPrompt: systemPrompt, UserPrompt: userPrompt})
	}
	if len(shortcut) > 0 {
		if err := o.agg.RebuildIncremental(shortcut); err != nil {
			return outcome, err
		}
		if err := o.store.ReindexCommits(shortcut); err != nil {
			return outcome, err
		}
		log.Printf("batch shortcut merges=%d", len(shortcut))
	}
	if len(requests) == 0 {
		return outcome, nil
	}

	chunk := packChunk(requests, o.cfg.BatchMaxItems, o.cfg.BatchMaxBytes)
	jobID, count, err := o.batch.Submit(ctx, o.cfg.EnrichModel, chunk)
	if err != nil {
		return outcome, err
	}
	// Persisted immediately: a crash after this point cannot orphan the
	// outstanding submission.
	if err := o.store.InsertBatchJob(BatchJob{
		BatchID:      jobID,
		Status:       JobStatusSubmitted,
		Type:         JobTypeEnrich,
		RequestCount: count,
		SubmittedAt:  time.Now(),
		ModelUsed:    o.cfg.EnrichModel,
	}); err != nil {
		return outcome, err
	}
	log.Printf("batch submitted type=%s id=%s items=%d remaining=%d", JobTypeEnrich, jobID, count, len(requests)-count)

	outcome.JobID = jobID
	outcome.Action = "submitted"
	return outcome, nil
}

func (o *Orchestrator) submitEval(ctx context.Context) (BatchRunOutcome, error) {
	outcome := BatchRunOutcome{Action: "idle"}

	sample, diffs, err := sampleForEval(o.store, o.git, o.cfg)
	if err != nil {
		return outcome, err
	}
	if len(sample) == 0 {
		return outcome, nil
	}

	requests := make([]BatchRequest, len(sample))
	for i, c := range sample {
		systemPrompt, userPrompt := buildJudgePrompts(c, diffs[c.Hash], c.Classification, c.Summary, o.cfg.TokenBudget)
		requests[i] = BatchRequest{CustomID: c.Hash, SystemPrompt: systemPrompt, UserPrompt: userPrompt}
	}

	chunk := packChunk(requests, o.cfg.BatchMaxItems, o.cfg.BatchMaxBytes)
	jobID, count, err := o.batch.Submit(ctx, o.cfg.JudgeModel, chunk)
	if err != nil {
		return outcome, err
	}
	if err := o.store.InsertBatchJob(BatchJob{
		BatchID:      jobID,
		Status:       JobStatusSubmitted,
		Type:         JobTypeEval,
		RequestCount: count,
		SubmittedAt:  time.Now(),
		ModelUsed:    o.cfg.JudgeModel,
	}); err != nil {
		return outcome, err
	}

	// The side table preserves the enrichment context needed to
	// reconstruct full eval results at import time.
	items := make([]BatchItem, 0, count)
	for _, c := range sample[:count] {
		items = append(items, BatchItem{
			BatchID:        jobID,
			CommitHash:     c.Hash,
			Classification: c.Classification,
			Summary:        c.Summary,
		})
	}
	if err := o.store.InsertBatchItems(items); err != nil {
		return outcome, err
	}
	log.Printf("batch submitted type=%s id=%s items=%d", JobTypeEval, jobID, count)

	outcome.JobID = jobID
	outcome.Action = "submitted"
	return outcome, nil
}

// packChunk packs requests into the first chunk, bounded by both a
// maximum item count and a maximum estimated serialized size. The chunk
// closes as soon as adding the next item would breach either bound;
// remaining items wait for a later invocation.
func packChunk(requests []BatchRequest, maxItems, maxBytes int) []BatchRequest {
	size, n := 0, 0
	for _, r := range requests {
		cost := estimateRequestBytes(r)
		if n >= maxItems || (n > 0 && size+cost > maxBytes) {
			break
		}
		size += cost
		n++
	}
	return requests[:n]
}

func estimateRequestBytes(r BatchRequest) int {
	return len(r.CustomID) + len(r.SystemPrompt) + len(r.UserPrompt) + batchRequestEnvelope
}
