package main

import (
	"fmt"
	"log"

	"github.com/slack-go/slack"
)

// Notifier posts run summaries to a Slack channel. It is optional: with
// no token configured every method is a no-op, and posting failures are
// logged, never fatal.
type Notifier struct {
	api     *slack.Client
	channel string
}

func NewNotifier(cfg Config) *Notifier {
	if !cfg.SlackConfigured() {
		return &Notifier{}
	}
	return &Notifier{api: slack.New(cfg.SlackToken), channel: cfg.SlackChannel}
}

func (n *Notifier) post(text string) {
	if n.api == nil {
		return
	}
	if _, _, err := n.api.PostMessage(n.channel, slack.MsgOptionText(text, false)); err != nil {
		log.Printf("slack post error: %v", err)
	}
}

func (n *Notifier) RunFinished(result RunResult) {
	text := fmt.Sprintf("commitscope run: %d new commits, %d enriched (%d auto-chore), %d measured, %d failed",
		result.Discovered, result.Enriched+result.AutoChores, result.AutoChores, result.Measured, result.Failed)
	if result.Failed > 0 {
		text += fmt.Sprintf("\nfirst error: %s", result.Errors[0])
	}
	n.post(text)
}

func (n *Notifier) BatchAdvanced(jobType string, outcome BatchRunOutcome) {
	switch outcome.Action {
	case "submitted":
		n.post(fmt.Sprintf("commitscope batch (%s): submitted job %s", jobType, outcome.JobID))
	case "imported":
		text := fmt.Sprintf("commitscope batch (%s): imported job %s, %d applied, %d failed",
			jobType, outcome.JobID, outcome.Applied, outcome.Failed)
		if outcome.EvalSummary != nil {
			text += "\n" + FormatEvalSummary(*outcome.EvalSummary)
		}
		n.post(text)
	}
}

func (n *Notifier) EvalFinished(summary EvalSummary) {
	n.post("commitscope eval: " + FormatEvalSummary(summary))
}
