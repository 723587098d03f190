package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultEnrichModel = "claude-sonnet-4-5-20250929"
const defaultJudgeModel = "claude-opus-4-1-20250805"

const maxResponseTokens = 1024

// tokensPerChar approximates the provider tokenizer: one token per four
// characters.
const tokensPerChar = 4

func estimateTokens(s string) int {
	return len(s) / tokensPerChar
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// SyncOracle is a synchronous text-understanding oracle. The pipeline
// and the quality checker depend only on this, never on a concrete
// provider.
type SyncOracle interface {
	Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, Usage, error)
}

// BatchRequest is one item of an asynchronous batch submission. CustomID
// is the caller-supplied identifier the provider echoes back with the
// result.
type BatchRequest struct {
	CustomID     string
	SystemPrompt string
	UserPrompt   string
}

type BatchState string

const (
	BatchStateInProgress BatchState = "in_progress"
	BatchStateEnded      BatchState = "ended"
)

type BatchStatus struct {
	State      BatchState
	Processing int
	Succeeded  int
	Errored    int
	Canceled   int
	Expired    int
}

func (s BatchStatus) Failed() int {
	return s.Errored + s.Canceled + s.Expired
}

// Batch result outcome tags. Exactly one applies per item.
type BatchOutcome string

const (
	BatchSucceeded BatchOutcome = "succeeded"
	BatchErrored   BatchOutcome = "errored"
	BatchCanceled  BatchOutcome = "canceled"
	BatchExpired   BatchOutcome = "expired"
)

// BatchResult is the tagged per-item outcome streamed back from a
// finished job. Text is set only for succeeded items, ErrMsg only for
// errored ones.
type BatchResult struct {
	CustomID string
	Outcome  BatchOutcome
	Text     string
	ErrMsg   string
}

// BatchOracle is the asynchronous counterpart of SyncOracle: jobs are
// submitted in one process invocation and harvested in a later one.
type BatchOracle interface {
	Submit(ctx context.Context, model string, requests []BatchRequest) (string, int, error)
	Status(ctx context.Context, jobID string) (BatchStatus, error)
	Results(ctx context.Context, jobID string, fn func(BatchResult) error) error
}

// anthropicOracle implements both oracle shapes over the Anthropic API.
type anthropicOracle struct {
	client anthropic.Client
}

func NewAnthropicOracle(apiKey string) *anthropicOracle {
	return &anthropicOracle{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

func (o *anthropicOracle) Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, Usage, error) {
	message, err := o.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxResponseTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("Anthropic API error: %w", err)
	}
	usage := Usage{
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}
	for _, block := range message.Content {
		if block.Type == "text" {
			return block.Text, usage, nil
		}
	}
	return "", usage, fmt.Errorf("no text content in Anthropic response")
}

func (o *anthropicOracle) Submit(ctx context.Context, model string, requests []BatchRequest) (string, int, error) {
	params := make([]anthropic.MessageBatchNewParamsRequest, len(requests))
	for i, r := range requests {
		params[i] = anthropic.MessageBatchNewParamsRequest{
			CustomID: r.CustomID,
			Params: anthropic.MessageBatchNewParamsRequestParams{
				Model:     anthropic.Model(model),
				MaxTokens: maxResponseTokens,
				System: []anthropic.TextBlockParam{
					{Text: r.SystemPrompt},
				},
				Messages: []anthropic.MessageParam{
					anthropic.NewUserMessage(anthropic.NewTextBlock(r.UserPrompt)),
				},
			},
		}
	}
	batch, err := o.client.Messages.Batches.New(ctx, anthropic.MessageBatchNewParams{Requests: params})
	if err != nil {
		return "", 0, fmt.Errorf("Anthropic batch submit error: %w", err)
	}
	return batch.ID, len(requests), nil
}

func (o *anthropicOracle) Status(ctx context.Context, jobID string) (BatchStatus, error) {
	batch, err := o.client.Messages.Batches.Get(ctx, jobID)
	if err != nil {
		return BatchStatus{}, fmt.Errorf("Anthropic batch status error: %w", err)
	}
	status := BatchStatus{
		State:      BatchStateInProgress,
		Processing: int(batch.RequestCounts.Processing),
		Succeeded:  int(batch.RequestCounts.Succeeded),
		Errored:    int(batch.RequestCounts.Errored),
		Canceled:   int(batch.RequestCounts.Canceled),
		Expired:    int(batch.RequestCounts.Expired),
	}
	if batch.ProcessingStatus == anthropic.MessageBatchProcessingStatusEnded {
		status.State = BatchStateEnded
	}
	return status, nil
}

func (o *anthropicOracle) Results(ctx context.Context, jobID string, fn func(BatchResult) error) error {
	stream := o.client.Messages.Batches.ResultsStreaming(ctx, jobID)
	for stream.Next() {
		entry := stream.Current()
		result := BatchResult{CustomID: entry.CustomID}
		switch variant := entry.Result.AsAny().(type) {
		case anthropic.MessageBatchSucceededResult:
			result.Outcome = BatchSucceeded
			for _, block := range variant.Message.Content {
				if block.Type == "text" {
					result.Text = block.Text
					break
				}
			}
		case anthropic.MessageBatchErroredResult:
			result.Outcome = BatchErrored
			result.ErrMsg = variant.Error.Error.Message
		case anthropic.MessageBatchCanceledResult:
			result.Outcome = BatchCanceled
		case anthropic.MessageBatchExpiredResult:
			result.Outcome = BatchExpired
		default:
			result.Outcome = BatchErrored
			result.ErrMsg = "unrecognized result variant"
		}
		if err := fn(result); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("Anthropic batch results error: %w", err)
	}
	return nil
}

// --- enrichment prompts ---

const enrichSystemPrompt = `You are a commit analyst. Classify the commit into exactly one of these labels:
- feature: adds new user-visible or API-visible behavior
- fix: corrects a defect
- refactor: restructures code without changing behavior
- docs: documentation only
- test: tests only
- chore: build, dependencies, CI, formatting, merges, or other mechanical changes

Also write a one-to-three sentence summary of what the commit does and why, suitable for a reviewer who has not read the diff.

Respond with JSON only (no markdown):
{"classification": "...", "summary": "..."}`

const diffTruncatedMarker = "\n... [diff truncated]"
const diffOmittedPlaceholder = "[diff omitted: file list exceeds budget]"

// buildEnrichPrompts renders the oracle request for one commit, fitting
// the diff and file list into the token budget by progressively
// degrading detail: full diff, then truncated diff, then no diff with a
// truncated file list.
func buildEnrichPrompts(c Commit, diff string, budgetTokens int) (string, string) {
	fileBlock, diffBlock := fitCommitContext(c.Files, diff, budgetTokens)

	var user strings.Builder
	user.WriteString(fmt.Sprintf("Commit: %s\nAuthor: %s <%s>\nDate: %s\nMessage:\n%s\n\nFiles changed:\n%s\nDiff:\n%s\n",
		c.Hash, c.AuthorName, c.AuthorEmail, c.CommittedAt.Format("2006-01-02"), c.Message, fileBlock, diffBlock))
	return enrichSystemPrompt, user.String()
}

func fitCommitContext(files []CommitFile, diff string, budgetTokens int) (string, string) {
	lines := make([]string, len(files))
	for i, f := range files {
		lines[i] = fmt.Sprintf("- %s (%s +%d/-%d)", f.Path, f.ChangeType, f.Additions, f.Deletions)
	}
	fileBlock := strings.Join(lines, "\n") + "\n"

	remaining := budgetTokens - estimateTokens(fileBlock)
	if remaining <= 0 {
		// The file list alone blows the budget: drop the diff and keep as
		// many entries as fit.
		kept := 0
		used := 0
		for _, line := range lines {
			cost := estimateTokens(line + "\n")
			if used+cost > budgetTokens {
				break
			}
			used += cost
			kept++
		}
		block := strings.Join(lines[:kept], "\n")
		if kept < len(lines) {
			block += fmt.Sprintf("\n+%d more files", len(lines)-kept)
		}
		return block + "\n", diffOmittedPlaceholder
	}

	if estimateTokens(diff) <= remaining {
		return fileBlock, diff
	}
	// The marker counts against the budget too.
	cut := (remaining - estimateTokens(diffTruncatedMarker)) * tokensPerChar
	if cut < 0 {
		cut = 0
	}
	if cut > len(diff) {
		cut = len(diff)
	}
	return fileBlock, diff[:cut] + diffTruncatedMarker
}

type enrichResponse struct {
	Classification string `json:"classification"`
	Summary        string `json:"summary"`
}

// parseEnrichResponse decodes the oracle's JSON reply. A malformed
// payload is a per-item error, identical in shape to a provider error.
func parseEnrichResponse(responseText string) (string, string, error) {
	responseText = stripFences(responseText)

	var parsed enrichResponse
	if err := json.Unmarshal([]byte(responseText), &parsed); err != nil {
		return "", "", fmt.Errorf("parsing enrichment response: %w (response: %s)", err, truncateForLog(responseText, 200))
	}
	classification := strings.ToLower(strings.TrimSpace(parsed.Classification))
	if !validClassification(classification) {
		log.Printf("llm unknown classification %q, using chore", classification)
		classification = ClassChore
	}
	summary := strings.TrimSpace(parsed.Summary)
	if summary == "" {
		return "", "", fmt.Errorf("enrichment response has empty summary")
	}
	return classification, summary, nil
}

// --- judge prompts ---

const judgeSystemPrompt = `You are a commit enrichment reviewer. You are given a commit, the classification label and summary a weaker model assigned to it, and the valid labels:
feature, fix, refactor, docs, test, chore.

Judge three independent dimensions:
1. classification_correct: is the label right for this commit?
2. summary_accurate: does the summary describe what actually changed, without fabrication?
3. summary_complete: does the summary cover the significant changes?

When classification_correct is false, include suggested_classification.

Respond with JSON only (no markdown):
{"classification_correct": true, "classification_reason": "...", "suggested_classification": "", "summary_accurate": true, "summary_accuracy_reason": "...", "summary_complete": true, "completeness_reason": "..."}`

func buildJudgePrompts(c Commit, diff string, classification, summary string, budgetTokens int) (string, string) {
	fileBlock, diffBlock := fitCommitContext(c.Files, diff, budgetTokens)

	var user strings.Builder
	user.WriteString(fmt.Sprintf("Commit: %s\nMessage:\n%s\n\nFiles changed:\n%s\nDiff:\n%s\n",
		c.Hash, c.Message, fileBlock, diffBlock))
	user.WriteString(fmt.Sprintf("\nAssigned classification: %s\nAssigned summary: %s\n", classification, summary))
	return judgeSystemPrompt, user.String()
}

type judgeResponse struct {
	ClassificationCorrect   bool   `json:"classification_correct"`
	ClassificationReason    string `json:"classification_reason"`
	SuggestedClassification string `json:"suggested_classification"`
	SummaryAccurate         bool   `json:"summary_accurate"`
	SummaryAccuracyReason   string `json:"summary_accuracy_reason"`
	SummaryComplete         bool   `json:"summary_complete"`
	CompletenessReason      string `json:"completeness_reason"`
}

func parseJudgeResponse(responseText string) (Verdicts, error) {
	responseText = stripFences(responseText)

	var parsed judgeResponse
	if err := json.Unmarshal([]byte(responseText), &parsed); err != nil {
		return Verdicts{}, fmt.Errorf("parsing judge response: %w (response: %s)", err, truncateForLog(responseText, 200))
	}
	return Verdicts{
		ClassificationCorrect:   parsed.ClassificationCorrect,
		ClassificationReason:    strings.TrimSpace(parsed.ClassificationReason),
		SuggestedClassification: strings.ToLower(strings.TrimSpace(parsed.SuggestedClassification)),
		SummaryAccurate:         parsed.SummaryAccurate,
		SummaryAccuracyReason:   strings.TrimSpace(parsed.SummaryAccuracyReason),
		SummaryComplete:         parsed.SummaryComplete,
		CompletenessReason:      strings.TrimSpace(parsed.CompletenessReason),
	}, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
