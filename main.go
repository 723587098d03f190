package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"
)

const usageText = `Usage: commitscope <command> [flags]

Commands:
  analyze      discover, measure, and enrich new commits synchronously
  batch        submit or advance an asynchronous enrichment batch job
  eval         judge a random sample of enrichments synchronously
  eval-batch   submit or advance an asynchronous quality-check job
  aggregate    rebuild all derived analytics and the search index
  hotspots     rank files by change frequency and complexity
  file         per-file stats, contributors, and coupled files
  trends       show activity, fix-rate, and complexity trends
  show         display one commit by hash or unique prefix
  search       full-text search over messages and summaries
  watch        run analyze and batch polling on a cron schedule
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
	command := os.Args[1]
	args := os.Args[2:]

	cfg := LoadConfig()

	store, err := OpenStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	git := NewGitClient(cfg.RepoPath)
	notifier := NewNotifier(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch command {
	case "analyze":
		cmdAnalyze(ctx, cfg, store, git, notifier, args)
	case "batch":
		cmdBatch(ctx, cfg, store, git, notifier, JobTypeEnrich)
	case "eval":
		cmdEval(ctx, cfg, store, git, notifier)
	case "eval-batch":
		cmdBatch(ctx, cfg, store, git, notifier, JobTypeEval)
	case "aggregate":
		cmdAggregate(cfg, store)
	case "hotspots":
		cmdHotspots(cfg, store, args)
	case "file":
		cmdFile(cfg, store, args)
	case "trends":
		cmdTrends(cfg, store, args)
	case "show":
		cmdShow(store, args)
	case "search":
		cmdSearch(store, args)
	case "watch":
		cmdWatch(ctx, cfg, store, git, notifier)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usageText)
		os.Exit(2)
	}
}

func requireOracle(cfg Config) *anthropicOracle {
	if cfg.AnthropicAPIKey == "" {
		log.Fatalf("anthropic_api_key is required for this command (via config.yaml or ANTHROPIC_API_KEY)")
	}
	return NewAnthropicOracle(cfg.AnthropicAPIKey)
}

func cmdAnalyze(ctx context.Context, cfg Config, store *Store, git *GitClient, notifier *Notifier, args []string) {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	sinceDays := fs.Int("since-days", 0, "only consider commits newer than this many days (0 = all)")
	fs.Parse(args)

	var since time.Time
	if *sinceDays > 0 {
		since = time.Now().AddDate(0, 0, -*sinceDays)
	}

	pipeline := NewPipeline(cfg, store, git, requireOracle(cfg))
	result, err := pipeline.Run(ctx, since, logProgress)
	if err != nil {
		log.Fatalf("analyze failed: %v", err)
	}
	notifier.RunFinished(result)
	fmt.Printf("discovered %d, measured %d, enriched %d (%d auto-chore), failed %d\n",
		result.Discovered, result.Measured, result.Enriched, result.AutoChores, result.Failed)
	for _, e := range result.Errors {
		fmt.Printf("  error: %s\n", e)
	}
}

func cmdBatch(ctx context.Context, cfg Config, store *Store, git *GitClient, notifier *Notifier, jobType string) {
	orch := NewOrchestrator(cfg, store, git, requireOracle(cfg))
	outcome, err := orch.Run(ctx, jobType)
	if err != nil {
		log.Fatalf("batch failed: %v", err)
	}
	notifier.BatchAdvanced(jobType, outcome)

	switch outcome.Action {
	case "idle":
		fmt.Println("nothing to do")
	case "submitted":
		fmt.Printf("submitted job %s\n", outcome.JobID)
	case "polled":
		fmt.Printf("job %s still running: %d processing, %d succeeded, %d failed\n",
			outcome.JobID, outcome.Status.Processing, outcome.Status.Succeeded, outcome.Status.Failed())
	case "imported":
		fmt.Printf("imported job %s: %d applied, %d failed\n", outcome.JobID, outcome.Applied, outcome.Failed)
		if outcome.EvalSummary != nil {
			fmt.Println(FormatEvalSummary(*outcome.EvalSummary))
			printEvalFailures(outcome.EvalResults)
		}
	}
}

func cmdEval(ctx context.Context, cfg Config, store *Store, git *GitClient, notifier *Notifier) {
	summary, results, err := RunEval(ctx, cfg, store, git, requireOracle(cfg), logProgress)
	if err != nil {
		log.Fatalf("eval failed: %v", err)
	}
	notifier.EvalFinished(summary)
	fmt.Println(FormatEvalSummary(summary))
	printEvalFailures(results)
}

func printEvalFailures(results []EvalResult) {
	for _, r := range results {
		v := r.Verdicts
		if v.ClassificationCorrect && v.SummaryAccurate && v.SummaryComplete {
			continue
		}
		fmt.Printf("  %s (%s)\n", shortHash(r.Hash), r.Classification)
		if !v.ClassificationCorrect {
			fmt.Printf("    classification: %s (suggested %s)\n", v.ClassificationReason, v.SuggestedClassification)
		}
		if !v.SummaryAccurate {
			fmt.Printf("    accuracy: %s\n", v.SummaryAccuracyReason)
		}
		if !v.SummaryComplete {
			fmt.Printf("    completeness: %s\n", v.CompletenessReason)
		}
	}
}

func cmdAggregate(cfg Config, store *Store) {
	agg := NewAggregator(store, cfg.CouplingFileCap)
	if err := agg.RebuildAll(); err != nil {
		log.Fatalf("aggregate failed: %v", err)
	}
	if err := store.RebuildSearchIndex(); err != nil {
		log.Fatalf("search index rebuild failed: %v", err)
	}
	fmt.Println("aggregates and search index rebuilt")
}

func cmdHotspots(cfg Config, store *Store, args []string) {
	fs := flag.NewFlagSet("hotspots", flag.ExitOnError)
	metric := fs.String("metric", "combined", "ranking metric: changes, churn, complexity, combined")
	prefix := fs.String("path", "", "restrict to files under this path prefix")
	limit := fs.Int("limit", 20, "number of files to show")
	fs.Parse(args)

	agg := NewAggregator(store, cfg.CouplingFileCap)
	spots, err := agg.Hotspots(*metric, *prefix, *limit)
	if err != nil {
		log.Fatalf("hotspots failed: %v", err)
	}
	for _, h := range spots {
		fmt.Printf("%8.3f  %4d changes  %6d loc  %5.2f cmplx  %s\n",
			h.Score, h.Changes, h.CurrentLOC, h.CurrentCmplx, h.Path)
	}
}

func cmdFile(cfg Config, store *Store, args []string) {
	if len(args) < 1 {
		log.Fatalf("file requires a path")
	}
	path := args[0]
	agg := NewAggregator(store, cfg.CouplingFileCap)

	stat, err := agg.FileStats(path)
	if err != nil {
		log.Fatalf("no stats for %s (not touched by any enriched commit)", path)
	}
	fmt.Printf("%s\n  %d changes (+%d/-%d), first seen %s, last changed %s\n",
		stat.Path, stat.TotalChanges, stat.Additions, stat.Deletions,
		stat.FirstSeen.Format("2006-01-02"), stat.LastChanged.Format("2006-01-02"))
	if stat.CurrentLOC > 0 {
		fmt.Printf("  current: %d loc, %.2f complexity\n", stat.CurrentLOC, stat.CurrentCmplx)
	}
	for _, class := range Classifications {
		if n := stat.Counts[class]; n > 0 {
			fmt.Printf("  %-8s %d\n", class, n)
		}
	}

	contributors, err := agg.Contributors(path, 10)
	if err != nil {
		log.Fatalf("contributors failed: %v", err)
	}
	if len(contributors) > 0 {
		fmt.Println("contributors:")
		for _, c := range contributors {
			fmt.Printf("  %4d  %s\n", c.Commits, c.AuthorEmail)
		}
	}

	coupled, err := agg.CoupledFiles(path, 10)
	if err != nil {
		log.Fatalf("coupling failed: %v", err)
	}
	if len(coupled) > 0 {
		fmt.Println("co-changes with:")
		for _, c := range coupled {
			other := c.PathA
			if other == path {
				other = c.PathB
			}
			fmt.Printf("  %4d  %s\n", c.CoChange, other)
		}
	}
}

func cmdTrends(cfg Config, store *Store, args []string) {
	fs := flag.NewFlagSet("trends", flag.ExitOnError)
	bucket := fs.String("bucket", "week", "period bucket: week, month, quarter")
	fs.Parse(args)

	agg := NewAggregator(store, cfg.CouplingFileCap)
	trend, err := agg.Trends(*bucket)
	if err != nil {
		log.Fatalf("trends failed: %v", err)
	}
	fmt.Printf("activity: %s, fix rate: %s, complexity: %s (%d %s periods)\n",
		trend.Activity, trend.FixRate, trend.Complexity, len(trend.Periods), trend.Bucket)
	for _, p := range trend.Periods {
		fmt.Printf("  %s  %4d commits  %4d fixes  %5.2f cmplx\n",
			p.Start.Format("2006-01-02"), p.Commits, p.Fixes, p.Complexity)
	}
}

func cmdShow(store *Store, args []string) {
	if len(args) < 1 {
		log.Fatalf("show requires a hash or prefix")
	}
	c, err := store.ResolveCommit(args[0])
	if err != nil {
		log.Fatalf("%v", err)
	}
	fmt.Printf("commit %s\nauthor %s <%s>\ndate   %s\n\n%s\n",
		c.Hash, c.AuthorName, c.AuthorEmail, c.CommittedAt.Format(time.RFC1123), c.Message)
	if c.Enriched() {
		fmt.Printf("\nclassification: %s (%s)\nsummary: %s\n", c.Classification, c.ModelUsed, c.Summary)
	} else {
		fmt.Println("\nnot yet enriched")
	}
	for _, f := range c.Files {
		fmt.Printf("  %-8s +%d/-%d  %s\n", f.ChangeType, f.Additions, f.Deletions, f.Path)
	}
}

func cmdSearch(store *Store, args []string) {
	if len(args) < 1 {
		log.Fatalf("search requires a query")
	}
	hits, err := store.SearchCommits(args[0], 20)
	if err != nil {
		log.Fatalf("search failed: %v", err)
	}
	for _, h := range hits {
		class := h.Classification
		if class == "" {
			class = "-"
		}
		fmt.Printf("%s  %-8s  %s\n", shortHash(h.Hash), class, h.Subject)
	}
}

func cmdWatch(ctx context.Context, cfg Config, store *Store, git *GitClient, notifier *Notifier) {
	if cfg.WatchSchedule == "" {
		log.Fatalf("watch_schedule is required for watch mode")
	}
	oracle := requireOracle(cfg)
	pipeline := NewPipeline(cfg, store, git, oracle)
	orch := NewOrchestrator(cfg, store, git, oracle)
	if err := RunWatch(ctx, cfg, pipeline, orch, notifier); err != nil {
		log.Fatalf("watch failed: %v", err)
	}
}
