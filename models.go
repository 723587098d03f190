package main

import "time"

// Classification labels assigned by the enrichment oracle. The set is
// closed; anything else coming back from the oracle is normalized to
// "chore" at parse time.
const (
	ClassFeature  = "feature"
	ClassFix      = "fix"
	ClassRefactor = "refactor"
	ClassDocs     = "docs"
	ClassTest     = "test"
	ClassChore    = "chore"
)

// Classifications lists every valid label in display order.
var Classifications = []string{ClassFeature, ClassFix, ClassRefactor, ClassDocs, ClassTest, ClassChore}

func validClassification(c string) bool {
	for _, v := range Classifications {
		if v == c {
			return true
		}
	}
	return false
}

type Commit struct {
	Hash           string
	AuthorName     string
	AuthorEmail    string
	CommittedAt    time.Time
	Message        string
	Classification string // empty until enriched
	Summary        string
	EnrichedAt     time.Time // zero until enriched
	ModelUsed      string
	Files          []CommitFile
}

// Subject returns the first line of the commit message.
func (c Commit) Subject() string {
	for i := 0; i < len(c.Message); i++ {
		if c.Message[i] == '\n' {
			return c.Message[:i]
		}
	}
	return c.Message
}

// Enriched reports whether the commit has been classified.
func (c Commit) Enriched() bool {
	return c.Classification != ""
}

type CommitFile struct {
	CommitHash       string
	Path             string
	ChangeType       string // "added", "modified", "deleted", "renamed"
	Additions        int
	Deletions        int
	LinesOfCode      int // 0 until measured; stays 0 for deleted files
	IndentComplexity float64
	Measured         bool
}

// FileStat is a derived per-file row, recomputed by the aggregate engine
// from enriched commits only. Never hand-edited.
type FileStat struct {
	Path         string
	Counts       map[string]int // classification -> commit count
	FirstSeen    time.Time
	LastChanged  time.Time
	Additions    int
	Deletions    int
	CurrentLOC   int
	CurrentCmplx float64
	TotalChanges int
}

type FileContributor struct {
	Path        string
	AuthorEmail string
	Commits     int
}

// FileCoupling counts distinct commits touching both files. PathA < PathB.
type FileCoupling struct {
	PathA    string
	PathB    string
	CoChange int
}

// Batch job types. At most one non-terminal job per type exists at any
// time; that row is the only cross-invocation mutual exclusion in the
// system.
const (
	JobTypeEnrich = "enrichment"
	JobTypeEval   = "quality-check"
)

// Batch job statuses mirror the provider lifecycle.
const (
	JobStatusSubmitted  = "submitted"
	JobStatusInProgress = "in_progress"
	JobStatusEnded      = "ended"
)

type BatchJob struct {
	BatchID      string
	Status       string
	Type         string
	RequestCount int
	Succeeded    int
	Failed       int
	SubmittedAt  time.Time
	CompletedAt  time.Time // zero until ended
	ModelUsed    string
}

// BatchItem preserves the enrichment context a quality-check job needs to
// reconcile judge verdicts after results return, since the provider only
// echoes back the caller-supplied identifier.
type BatchItem struct {
	BatchID        string
	CommitHash     string
	Classification string
	Summary        string
}

// Verdicts is the three-dimension judgment returned by the judge oracle
// for one sampled commit.
type Verdicts struct {
	ClassificationCorrect   bool
	ClassificationReason    string
	SuggestedClassification string
	SummaryAccurate         bool
	SummaryAccuracyReason   string
	SummaryComplete         bool
	CompletenessReason      string
}

type EvalResult struct {
	Hash           string
	Subject        string
	Classification string
	Summary        string
	Verdicts       Verdicts
	Reconciled     bool // classification verdict flipped by a heuristic
}

type EvalSummary struct {
	Total                 int
	ClassificationCorrect int
	SummaryAccurate       int
	SummaryComplete       int
}

// Progress is emitted by pipeline phases through a callback; there is no
// shared mutable progress state.
type Progress struct {
	Phase   string // "discover", "measure", "enrich", "aggregate", "reindex", "done"
	Current int
	Total   int
	Hash    string // in-flight commit during enrichment
}

type ProgressFunc func(Progress)

// RunResult tracks separate counters for a pipeline run.
type RunResult struct {
	Discovered int
	Measured   int
	Enriched   int
	AutoChores int
	Failed     int
	Errors     []string
}
