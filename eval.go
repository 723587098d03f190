package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
)

// sampleForEval draws a random sample of enriched commits, excluding
// empty-diff merge commits (those were auto-classified, never truly
// judged), backfilling with further draws until the target size is met
// or the store is exhausted. Diffs come back alongside, one bulk fetch
// per draw round.
func sampleForEval(store *Store, git *GitClient, cfg Config) ([]Commit, map[string]string, error) {
	target := cfg.EvalSampleSize
	if total, err := store.CountEnriched(); err != nil {
		return nil, nil, err
	} else if total < target {
		target = total
	}
	exclude := make(map[string]bool)
	var sample []Commit
	diffs := make(map[string]string)

	for len(sample) < target {
		drawn, err := store.RandomEnrichedCommits(target-len(sample), exclude)
		if err != nil {
			return nil, nil, err
		}
		if len(drawn) == 0 {
			break // store exhausted
		}

		hashes := make([]string, len(drawn))
		for i, c := range drawn {
			exclude[c.Hash] = true
			hashes[i] = c.Hash
		}
		drawnDiffs, err := git.DiffBatch(hashes, cfg.DiffMaxChars)
		if err != nil {
			return nil, nil, err
		}

		for _, c := range drawn {
			if isEmptyMerge(c, drawnDiffs[c.Hash]) {
				continue
			}
			sample = append(sample, c)
			diffs[c.Hash] = drawnDiffs[c.Hash]
		}
	}
	return sample, diffs, nil
}

// RunEval re-presents a sample of enriched commits to the judge oracle
// and aggregates pass counts per dimension. Judge calls run in the same
// fixed-size windows as enrichment; a per-commit failure drops that
// commit from the sample rather than aborting the run.
func RunEval(ctx context.Context, cfg Config, store *Store, git *GitClient, judge SyncOracle, progress ProgressFunc) (EvalSummary, []EvalResult, error) {
	if progress == nil {
		progress = func(Progress) {}
	}

	sample, diffs, err := sampleForEval(store, git, cfg)
	if err != nil {
		return EvalSummary{}, nil, err
	}
	if len(sample) == 0 {
		return EvalSummary{}, nil, nil
	}

	var mu sync.Mutex
	var results []EvalResult
	done := 0

	for start := 0; start < len(sample); start += cfg.EnrichWindow {
		select {
		case <-ctx.Done():
			summary := summarizeEval(results)
			return summary, results, nil
		default:
		}

		end := start + cfg.EnrichWindow
		if end > len(sample) {
			end = len(sample)
		}

		var wg sync.WaitGroup
		for _, c := range sample[start:end] {
			wg.Add(1)
			go func(c Commit) {
				defer wg.Done()
				progress(Progress{Phase: "judge", Current: start, Total: len(sample), Hash: c.Hash})

				systemPrompt, userPrompt := buildJudgePrompts(c, diffs[c.Hash], c.Classification, c.Summary, cfg.TokenBudget)
				text, _, err := judge.Complete(ctx, cfg.JudgeModel, systemPrompt, userPrompt)
				var verdicts Verdicts
				if err == nil {
					verdicts, err = parseJudgeResponse(text)
				}

				mu.Lock()
				defer mu.Unlock()
				done++
				if err != nil {
					log.Printf("judge error hash=%s: %v", shortHash(c.Hash), err)
					return
				}
				result := EvalResult{
					Hash:           c.Hash,
					Subject:        c.Subject(),
					Classification: c.Classification,
					Summary:        c.Summary,
					Verdicts:       verdicts,
				}
				reconcileVerdict(&result)
				results = append(results, result)
				progress(Progress{Phase: "judge", Current: done, Total: len(sample), Hash: c.Hash})
			}(c)
		}
		wg.Wait()
	}

	summary := summarizeEval(results)
	log.Printf("eval total=%d class_ok=%d accurate=%d complete=%d",
		summary.Total, summary.ClassificationCorrect, summary.SummaryAccurate, summary.SummaryComplete)
	return summary, results, nil
}

// conventionalPrefixes maps commit-subject prefixes to the label they
// imply, used to second-guess the judge before reporting a failure.
var conventionalPrefixes = map[string]string{
	"feat":     ClassFeature,
	"fix":      ClassFix,
	"refactor": ClassRefactor,
	"docs":     ClassDocs,
	"test":     ClassTest,
	"chore":    ClassChore,
	"build":    ClassChore,
	"ci":       ClassChore,
}

// reconcileVerdict may override a failed classification verdict: a judge
// that suggests the label already stored is contradicting itself, and a
// conventional-commit prefix agreeing with the stored label outranks
// the judge's opinion.
func reconcileVerdict(r *EvalResult) {
	if r.Verdicts.ClassificationCorrect {
		return
	}
	if r.Verdicts.SuggestedClassification == r.Classification {
		r.Verdicts.ClassificationCorrect = true
		r.Reconciled = true
		return
	}
	if r.Subject != "" && prefixLabel(r.Subject) == r.Classification {
		r.Verdicts.ClassificationCorrect = true
		r.Reconciled = true
	}
}

func prefixLabel(subject string) string {
	subject = strings.ToLower(subject)
	for prefix, label := range conventionalPrefixes {
		if strings.HasPrefix(subject, prefix+":") || strings.HasPrefix(subject, prefix+"(") {
			return label
		}
	}
	return ""
}

func summarizeEval(results []EvalResult) EvalSummary {
	var s EvalSummary
	s.Total = len(results)
	for _, r := range results {
		if r.Verdicts.ClassificationCorrect {
			s.ClassificationCorrect++
		}
		if r.Verdicts.SummaryAccurate {
			s.SummaryAccurate++
		}
		if r.Verdicts.SummaryComplete {
			s.SummaryComplete++
		}
	}
	return s
}

// FormatEvalSummary renders the pass counts for logs and notifications.
func FormatEvalSummary(s EvalSummary) string {
	return fmt.Sprintf("sampled %d commits: classification %d/%d, summary accuracy %d/%d, summary completeness %d/%d",
		s.Total, s.ClassificationCorrect, s.Total, s.SummaryAccurate, s.Total, s.SummaryComplete, s.Total)
}
