package main

import (
	"context"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

func validateCronSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(schedule)
	return err
}

// RunWatch runs the pipeline and a batch poll on a cron schedule until
// the context is canceled. A tick that fires while the previous run is
// still going is skipped, not queued; there is a single logical
// pipeline per process.
// The schedule is a standard 5-field cron expression (minute hour
// day-of-month month day-of-week), e.g. "*/30 * * * *".
func RunWatch(ctx context.Context, cfg Config, pipeline *Pipeline, orch *Orchestrator, notifier *Notifier) error {
	schedule := strings.TrimSpace(cfg.WatchSchedule)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return err
	}
	log.Printf("watch scheduled (cron: %s)", schedule)

	var running atomic.Bool
	for {
		now := time.Now()
		next := sched.Next(now)
		log.Printf("next run at %s (in %s)", next.Format("Mon Jan 2 15:04"), next.Sub(now).Round(time.Minute))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(next.Sub(now)):
		}

		if !running.CompareAndSwap(false, true) {
			log.Printf("watch tick skipped: previous run still in progress")
			continue
		}
		go func() {
			defer running.Store(false)

			result, err := pipeline.Run(ctx, time.Time{}, logProgress)
			if err != nil {
				log.Printf("watch run error: %v", err)
			} else {
				notifier.RunFinished(result)
			}

			// Harvest any batch jobs submitted outside the scheduler.
			for _, jobType := range []string{JobTypeEnrich, JobTypeEval} {
				outcome, err := orch.PollPending(ctx, jobType)
				if err != nil {
					log.Printf("watch batch poll error type=%s: %v", jobType, err)
					continue
				}
				notifier.BatchAdvanced(jobType, outcome)
			}
		}()
	}
}

// logProgress is the default progress sink: phase transitions and
// occasional counters, no terminal rendering.
func logProgress(p Progress) {
	switch p.Phase {
	case "enrich", "judge":
		if p.Total > 0 && (p.Current == p.Total || p.Current%25 == 0) {
			log.Printf("%s progress %d/%d", p.Phase, p.Current, p.Total)
		}
	default:
		if p.Total > 0 {
			log.Printf("phase=%s total=%d", p.Phase, p.Total)
		} else {
			log.Printf("phase=%s", p.Phase)
		}
	}
}
