package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Pipeline orchestrates one run: discover new commits, measure them,
// enrich unclassified ones, then refresh aggregates and the search
// index incrementally.
type Pipeline struct {
	cfg    Config
	store  *Store
	git    *GitClient
	oracle SyncOracle
	agg    *Aggregator
}

func NewPipeline(cfg Config, store *Store, git *GitClient, oracle SyncOracle) *Pipeline {
	return &Pipeline{cfg: cfg, store: store, git: git, oracle: oracle, agg: NewAggregator(store, cfg.CouplingFileCap)}
}

// Run executes the discover → measure → enrich → aggregate → reindex
// state machine. Per-commit oracle failures are logged and the commit is
// left unenriched for the next run; only infrastructure failures abort.
func (p *Pipeline) Run(ctx context.Context, since time.Time, progress ProgressFunc) (RunResult, error) {
	if progress == nil {
		progress = func(Progress) {}
	}
	var result RunResult

	discovered, err := p.discover(since, progress)
	if err != nil {
		return result, fmt.Errorf("discover: %w", err)
	}
	result.Discovered = len(discovered)

	measured, err := MeasureCommits(p.store, p.git, discovered, progress)
	if err != nil {
		return result, fmt.Errorf("measure: %w", err)
	}
	result.Measured = measured

	enriched, err := p.enrich(ctx, since, progress, &result)
	if err != nil {
		return result, fmt.Errorf("enrich: %w", err)
	}

	// Aggregates and the search index refresh over the union of newly
	// discovered and newly enriched commits, so message-only search works
	// before enrichment.
	affected := unionHashes(discovered, enriched)
	progress(Progress{Phase: "aggregate", Total: len(affected)})
	if err := p.agg.RebuildIncremental(affected); err != nil {
		return result, fmt.Errorf("aggregate: %w", err)
	}
	progress(Progress{Phase: "reindex", Total: len(affected)})
	if err := p.store.ReindexCommits(affected); err != nil {
		return result, fmt.Errorf("reindex: %w", err)
	}

	progress(Progress{Phase: "done"})
	return result, nil
}

// discover diffs the branch's hash set against the store and ingests
// only the delta, in one bulk info fetch.
func (p *Pipeline) discover(since time.Time, progress ProgressFunc) ([]string, error) {
	progress(Progress{Phase: "discover"})
	branchHashes, err := p.git.Hashes(p.cfg.Branch, since)
	if err != nil {
		return nil, err
	}
	known, err := p.store.KnownHashes()
	if err != nil {
		return nil, err
	}

	var delta []string
	for _, h := range branchHashes {
		if !known[h] {
			delta = append(delta, h)
		}
	}
	progress(Progress{Phase: "discover", Current: len(delta), Total: len(branchHashes)})
	if len(delta) == 0 {
		return nil, nil
	}

	commits, err := p.git.InfoBatch(delta)
	if err != nil {
		return nil, err
	}
	inserted, err := p.store.InsertCommits(commits)
	if err != nil {
		return nil, err
	}
	log.Printf("discover branch=%s total=%d new=%d inserted=%d", p.cfg.Branch, len(branchHashes), len(delta), inserted)
	return delta, nil
}

func (p *Pipeline) enrich(ctx context.Context, since time.Time, progress ProgressFunc, result *RunResult) ([]string, error) {
	pending, err := p.store.UnenrichedCommits(since)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	// One bulk diff fetch ahead of per-item processing.
	hashes := make([]string, len(pending))
	for i, c := range pending {
		hashes[i] = c.Hash
	}
	diffs, err := p.git.DiffBatch(hashes, p.cfg.DiffMaxChars)
	if err != nil {
		return nil, err
	}

	// Empty-diff merge commits never reach the oracle: they carry no
	// reviewable content, so they are classified deterministically.
	var oracleWork []Commit
	var enriched []string
	for _, c := range pending {
		if isEmptyMerge(c, diffs[c.Hash]) {
			if err := p.store.MarkEnriched(c.Hash, ClassChore, mergeChoreSummary(c), "rule:merge"); err != nil {
				return nil, err
			}
			enriched = append(enriched, c.Hash)
			result.AutoChores++
			continue
		}
		oracleWork = append(oracleWork, c)
	}

	done := 0
	total := len(oracleWork)
	var totalUsage Usage
	var mu sync.Mutex

	// Fixed-size windows of concurrent oracle calls. The run waits for
	// every call in a window to settle before the next window starts, and
	// cancellation is only honored at window boundaries.
	for start := 0; start < len(oracleWork); start += p.cfg.EnrichWindow {
		select {
		case <-ctx.Done():
			log.Printf("enrich canceled done=%d total=%d", done, total)
			return enriched, nil
		default:
		}

		end := start + p.cfg.EnrichWindow
		if end > len(oracleWork) {
			end = len(oracleWork)
		}
		window := oracleWork[start:end]

		var wg sync.WaitGroup
		for _, c := range window {
			wg.Add(1)
			go func(c Commit) {
				defer wg.Done()
				progress(Progress{Phase: "enrich", Current: start, Total: total, Hash: c.Hash})

				systemPrompt, userPrompt := buildEnrichPrompts(c, diffs[c.Hash], p.cfg.TokenBudget)
				text, usage, err := p.oracle.Complete(ctx, p.cfg.EnrichModel, systemPrompt, userPrompt)
				if err == nil {
					var classification, summary string
					classification, summary, err = parseEnrichResponse(text)
					if err == nil {
						err = p.store.MarkEnriched(c.Hash, classification, summary, p.cfg.EnrichModel)
						if err == nil {
							log.Printf("enrich hash=%s class=%s tokens_in=%d tokens_out=%d",
								shortHash(c.Hash), classification, usage.InputTokens, usage.OutputTokens)
						}
					}
				}

				mu.Lock()
				defer mu.Unlock()
				done++
				totalUsage.Add(usage)
				if err != nil {
					// Left unenriched; the next run retries it.
					log.Printf("enrich error hash=%s: %v", shortHash(c.Hash), err)
					result.Failed++
					result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", shortHash(c.Hash), err))
					return
				}
				enriched = append(enriched, c.Hash)
				result.Enriched++
				progress(Progress{Phase: "enrich", Current: done, Total: total, Hash: c.Hash})
			}(c)
		}
		wg.Wait()
	}
	if total > 0 {
		log.Printf("enrich finished total=%d tokens_in=%d tokens_out=%d", total, totalUsage.InputTokens, totalUsage.OutputTokens)
	}
	return enriched, nil
}

func isEmptyMerge(c Commit, diff string) bool {
	return strings.HasPrefix(c.Message, "Merge") && strings.TrimSpace(diff) == ""
}

func mergeChoreSummary(c Commit) string {
	return fmt.Sprintf("Merge commit with no direct changes: %s.", c.Subject())
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func unionHashes(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, h := range a {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	for _, h := range b {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}
