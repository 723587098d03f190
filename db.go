package main

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteParamChunk keeps IN(...) lists well under SQLITE_MAX_VARIABLE_NUMBER.
const sqliteParamChunk = 500

// Store owns the commit database. All SQL lives here and in the aggregate
// engine; callers only see the operations.
type Store struct {
	db *sql.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS commits (
		hash           TEXT PRIMARY KEY,
		author_name    TEXT NOT NULL,
		author_email   TEXT NOT NULL,
		committed_at   DATETIME NOT NULL,
		message        TEXT NOT NULL,
		classification TEXT,
		summary        TEXT,
		enriched_at    DATETIME,
		model_used     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_commits_committed_at ON commits(committed_at);
	CREATE INDEX IF NOT EXISTS idx_commits_classification ON commits(classification);

	CREATE TABLE IF NOT EXISTS commit_files (
		commit_hash      TEXT NOT NULL,
		file_path        TEXT NOT NULL,
		change_type      TEXT NOT NULL,
		additions        INTEGER NOT NULL DEFAULT 0,
		deletions        INTEGER NOT NULL DEFAULT 0,
		lines_of_code    INTEGER,
		indent_complexity REAL,
		PRIMARY KEY (commit_hash, file_path)
	);
	CREATE INDEX IF NOT EXISTS idx_commit_files_path ON commit_files(file_path);

	CREATE TABLE IF NOT EXISTS file_stats (
		file_path          TEXT PRIMARY KEY,
		feature_count      INTEGER NOT NULL DEFAULT 0,
		fix_count          INTEGER NOT NULL DEFAULT 0,
		refactor_count     INTEGER NOT NULL DEFAULT 0,
		docs_count         INTEGER NOT NULL DEFAULT 0,
		test_count         INTEGER NOT NULL DEFAULT 0,
		chore_count        INTEGER NOT NULL DEFAULT 0,
		total_changes      INTEGER NOT NULL DEFAULT 0,
		first_seen         DATETIME,
		last_changed       DATETIME,
		additions          INTEGER NOT NULL DEFAULT 0,
		deletions          INTEGER NOT NULL DEFAULT 0,
		current_loc        INTEGER,
		current_complexity REAL
	);

	CREATE TABLE IF NOT EXISTS file_contributors (
		file_path    TEXT NOT NULL,
		author_email TEXT NOT NULL,
		commit_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (file_path, author_email)
	);

	CREATE TABLE IF NOT EXISTS file_coupling (
		file_a          TEXT NOT NULL,
		file_b          TEXT NOT NULL,
		co_change_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (file_a, file_b)
	);

	CREATE TABLE IF NOT EXISTS batch_jobs (
		batch_id        TEXT PRIMARY KEY,
		status          TEXT NOT NULL,
		type            TEXT NOT NULL,
		request_count   INTEGER NOT NULL DEFAULT 0,
		succeeded_count INTEGER NOT NULL DEFAULT 0,
		failed_count    INTEGER NOT NULL DEFAULT 0,
		submitted_at    DATETIME NOT NULL,
		completed_at    DATETIME,
		model_used      TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_batch_jobs_type_status ON batch_jobs(type, status);

	CREATE TABLE IF NOT EXISTS batch_items (
		batch_id       TEXT NOT NULL,
		commit_hash    TEXT NOT NULL,
		classification TEXT NOT NULL DEFAULT '',
		summary        TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (batch_id, commit_hash)
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS commits_fts USING fts4(
		hash, message, classification, summary, notindexed=hash
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// KnownHashes returns every stored commit hash. Discovery diffs the
// branch's hash list against this set and ingests only the delta.
func (s *Store) KnownHashes() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT hash FROM commits`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		known[h] = true
	}
	return known, rows.Err()
}

// InsertCommits inserts commits and their file rows. Existing hashes are
// no-ops, so re-running discovery is safe. Returns the number of commits
// actually inserted.
func (s *Store) InsertCommits(commits []Commit) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	for _, c := range commits {
		res, err := tx.Exec(
			`INSERT OR IGNORE INTO commits (hash, author_name, author_email, committed_at, message)
			 VALUES (?, ?, ?, ?, ?)`,
			c.Hash, c.AuthorName, c.AuthorEmail, c.CommittedAt.UTC(), c.Message,
		)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue
		}
		inserted++
		for _, f := range c.Files {
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO commit_files (commit_hash, file_path, change_type, additions, deletions)
				 VALUES (?, ?, ?, ?, ?)`,
				c.Hash, f.Path, f.ChangeType, f.Additions, f.Deletions,
			); err != nil {
				return 0, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// UnenrichedCommits returns commits lacking a classification, oldest
// first, with their file rows attached. A non-zero since filters out
// commits older than it.
func (s *Store) UnenrichedCommits(since time.Time) ([]Commit, error) {
	query := `SELECT hash, author_name, author_email, committed_at, message
	          FROM commits WHERE classification IS NULL`
	args := []any{}
	if !since.IsZero() {
		query += ` AND committed_at >= ?`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY committed_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Commit
	for rows.Next() {
		var c Commit
		if err := rows.Scan(&c.Hash, &c.AuthorName, &c.AuthorEmail, &c.CommittedAt, &c.Message); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachFiles(out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachFiles loads the commit_files rows for the given commits in
// chunked lookups and attaches them in file-path order.
func (s *Store) attachFiles(commits []Commit) error {
	if len(commits) == 0 {
		return nil
	}
	byHash := make(map[string]*Commit, len(commits))
	hashes := make([]string, len(commits))
	for i := range commits {
		byHash[commits[i].Hash] = &commits[i]
		hashes[i] = commits[i].Hash
	}
	for _, chunk := range chunkStrings(hashes, sqliteParamChunk) {
		rows, err := s.db.Query(
			`SELECT commit_hash, file_path, change_type, additions, deletions, lines_of_code, indent_complexity
			 FROM commit_files WHERE commit_hash IN (`+placeholders(len(chunk))+`) ORDER BY file_path`,
			stringArgs(chunk)...,
		)
		if err != nil {
			return err
		}
		files, err := scanCommitFiles(rows)
		rows.Close()
		if err != nil {
			return err
		}
		for _, f := range files {
			c := byHash[f.CommitHash]
			c.Files = append(c.Files, f)
		}
	}
	return nil
}

// MarkEnriched records the oracle's classification and summary for one
// commit. Enrichment happens at most once per commit per run; re-marking
// overwrites, which keeps batch re-imports idempotent.
func (s *Store) MarkEnriched(hash, classification, summary, model string) error {
	_, err := s.db.Exec(
		`UPDATE commits SET classification = ?, summary = ?, enriched_at = ?, model_used = ? WHERE hash = ?`,
		classification, summary, time.Now().UTC(), model, hash,
	)
	return err
}

type EnrichedMark struct {
	Hash           string
	Classification string
	Summary        string
}

// MarkEnrichedBatch applies many enrichment results in one transaction.
func (s *Store) MarkEnrichedBatch(marks []EnrichedMark, model string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, m := range marks {
		if _, err := tx.Exec(
			`UPDATE commits SET classification = ?, summary = ?, enriched_at = ?, model_used = ? WHERE hash = ?`,
			m.Classification, m.Summary, now, model, m.Hash,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ErrAmbiguousPrefix is returned by ResolveCommit when a prefix matches
// more than one stored hash. The message names every match.
type ErrAmbiguousPrefix struct {
	Prefix  string
	Matches []string
}

func (e *ErrAmbiguousPrefix) Error() string {
	return fmt.Sprintf("ambiguous prefix %q matches %d commits: %s",
		e.Prefix, len(e.Matches), strings.Join(e.Matches, ", "))
}

// ResolveCommit returns the commit for an exact hash, else a unique
// prefix match. A prefix matching several commits fails with the full
// match list and takes no partial action.
func (s *Store) ResolveCommit(input string) (Commit, error) {
	c, err := s.getCommit(input)
	if err == nil {
		return c, nil
	}
	if err != sql.ErrNoRows {
		return Commit{}, err
	}

	rows, err := s.db.Query(`SELECT hash FROM commits WHERE hash LIKE ? || '%' ORDER BY hash`, input)
	if err != nil {
		return Commit{}, err
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return Commit{}, err
		}
		matches = append(matches, h)
	}
	if err := rows.Err(); err != nil {
		return Commit{}, err
	}

	switch len(matches) {
	case 0:
		return Commit{}, fmt.Errorf("no commit matches %q", input)
	case 1:
		return s.getCommit(matches[0])
	default:
		return Commit{}, &ErrAmbiguousPrefix{Prefix: input, Matches: matches}
	}
}

func (s *Store) getCommit(hash string) (Commit, error) {
	var c Commit
	var classification, summary, model sql.NullString
	var enrichedAt sql.NullTime
	err := s.db.QueryRow(
		`SELECT hash, author_name, author_email, committed_at, message,
		        classification, summary, enriched_at, model_used
		 FROM commits WHERE hash = ?`, hash,
	).Scan(&c.Hash, &c.AuthorName, &c.AuthorEmail, &c.CommittedAt, &c.Message,
		&classification, &summary, &enrichedAt, &model)
	if err != nil {
		return Commit{}, err
	}
	c.Classification = classification.String
	c.Summary = summary.String
	c.ModelUsed = model.String
	if enrichedAt.Valid {
		c.EnrichedAt = enrichedAt.Time
	}

	files, err := s.FilesForCommit(hash)
	if err != nil {
		return Commit{}, err
	}
	c.Files = files
	return c, nil
}

func (s *Store) FilesForCommit(hash string) ([]CommitFile, error) {
	rows, err := s.db.Query(
		`SELECT commit_hash, file_path, change_type, additions, deletions, lines_of_code, indent_complexity
		 FROM commit_files WHERE commit_hash = ? ORDER BY file_path`, hash,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommitFiles(rows)
}

// PathsForCommits returns the distinct file paths touched by the given
// commits, sorted, chunked lookups.
func (s *Store) PathsForCommits(hashes []string) ([]string, error) {
	seen := make(map[string]bool)
	for _, chunk := range chunkStrings(hashes, sqliteParamChunk) {
		rows, err := s.db.Query(
			`SELECT DISTINCT file_path FROM commit_files WHERE commit_hash IN (`+placeholders(len(chunk))+`)`,
			stringArgs(chunk)...,
		)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return nil, err
			}
			seen[p] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// SetFileMeasurement writes the measurer's result for one file row.
// Re-measuring unchanged content writes the same values, so the
// measurer is idempotent.
func (s *Store) SetFileMeasurement(hash, path string, loc int, complexity float64) error {
	_, err := s.db.Exec(
		`UPDATE commit_files SET lines_of_code = ?, indent_complexity = ? WHERE commit_hash = ? AND file_path = ?`,
		loc, complexity, hash, path,
	)
	return err
}

// UnmeasuredFiles returns non-deleted file rows lacking measurements for
// the given commits.
func (s *Store) UnmeasuredFiles(hashes []string) ([]CommitFile, error) {
	var out []CommitFile
	for _, chunk := range chunkStrings(hashes, sqliteParamChunk) {
		rows, err := s.db.Query(
			`SELECT commit_hash, file_path, change_type, additions, deletions, lines_of_code, indent_complexity
			 FROM commit_files
			 WHERE lines_of_code IS NULL AND change_type != 'deleted'
			   AND commit_hash IN (`+placeholders(len(chunk))+`)`,
			stringArgs(chunk)...,
		)
		if err != nil {
			return nil, err
		}
		files, err := scanCommitFiles(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, files...)
	}
	return out, nil
}

// RandomEnrichedCommits draws up to n random enriched commits whose
// hashes are not in exclude. Used by the quality-check sampler, which
// backfills by calling again with a grown exclude set.
func (s *Store) RandomEnrichedCommits(n int, exclude map[string]bool) ([]Commit, error) {
	rows, err := s.db.Query(
		`SELECT hash FROM commits WHERE classification IS NOT NULL ORDER BY RANDOM() LIMIT ?`,
		n+len(exclude),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var picked []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		if exclude[h] {
			continue
		}
		picked = append(picked, h)
		if len(picked) == n {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Commit, 0, len(picked))
	for _, h := range picked {
		c, err := s.getCommit(h)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) CountEnriched() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM commits WHERE classification IS NOT NULL`).Scan(&n)
	return n, err
}

// --- batch job state ---

// NonTerminalJob returns the pending job of the given type, if any.
func (s *Store) NonTerminalJob(jobType string) (BatchJob, bool, error) {
	var j BatchJob
	var completedAt sql.NullTime
	err := s.db.QueryRow(
		`SELECT batch_id, status, type, request_count, succeeded_count, failed_count, submitted_at, completed_at, model_used
		 FROM batch_jobs WHERE type = ? AND status != ? ORDER BY submitted_at DESC LIMIT 1`,
		jobType, JobStatusEnded,
	).Scan(&j.BatchID, &j.Status, &j.Type, &j.RequestCount, &j.Succeeded, &j.Failed,
		&j.SubmittedAt, &completedAt, &j.ModelUsed)
	if err == sql.ErrNoRows {
		return BatchJob{}, false, nil
	}
	if err != nil {
		return BatchJob{}, false, err
	}
	if completedAt.Valid {
		j.CompletedAt = completedAt.Time
	}
	return j, true, nil
}

func (s *Store) InsertBatchJob(j BatchJob) error {
	_, err := s.db.Exec(
		`INSERT INTO batch_jobs (batch_id, status, type, request_count, succeeded_count, failed_count, submitted_at, model_used)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.BatchID, j.Status, j.Type, j.RequestCount, j.Succeeded, j.Failed, j.SubmittedAt.UTC(), j.ModelUsed,
	)
	return err
}

// UpdateBatchJob persists polled status and counts. completedAt is only
// written on the terminal transition.
func (s *Store) UpdateBatchJob(batchID, status string, succeeded, failed int, completedAt time.Time) error {
	if completedAt.IsZero() {
		_, err := s.db.Exec(
			`UPDATE batch_jobs SET status = ?, succeeded_count = ?, failed_count = ? WHERE batch_id = ?`,
			status, succeeded, failed, batchID,
		)
		return err
	}
	_, err := s.db.Exec(
		`UPDATE batch_jobs SET status = ?, succeeded_count = ?, failed_count = ?, completed_at = ? WHERE batch_id = ?`,
		status, succeeded, failed, completedAt.UTC(), batchID,
	)
	return err
}

func (s *Store) InsertBatchItems(items []BatchItem) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, it := range items {
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO batch_items (batch_id, commit_hash, classification, summary)
			 VALUES (?, ?, ?, ?)`,
			it.BatchID, it.CommitHash, it.Classification, it.Summary,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) BatchItems(batchID string) (map[string]BatchItem, error) {
	rows, err := s.db.Query(
		`SELECT batch_id, commit_hash, classification, summary FROM batch_items WHERE batch_id = ?`,
		batchID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]BatchItem)
	for rows.Next() {
		var it BatchItem
		if err := rows.Scan(&it.BatchID, &it.CommitHash, &it.Classification, &it.Summary); err != nil {
			return nil, err
		}
		out[it.CommitHash] = it
	}
	return out, rows.Err()
}

// DeleteBatchItems removes side-table rows once a job has been imported.
func (s *Store) DeleteBatchItems(batchID string) error {
	_, err := s.db.Exec(`DELETE FROM batch_items WHERE batch_id = ?`, batchID)
	return err
}

// --- search index ---

// ReindexCommits refreshes the full-text rows for the given hashes.
// Unenriched commits are indexed too so message-only search works before
// enrichment.
func (s *Store) ReindexCommits(hashes []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, chunk := range chunkStrings(hashes, sqliteParamChunk) {
		if _, err := tx.Exec(
			`DELETE FROM commits_fts WHERE hash IN (`+placeholders(len(chunk))+`)`,
			stringArgs(chunk)...,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO commits_fts (hash, message, classification, summary)
			 SELECT hash, message, COALESCE(classification, ''), COALESCE(summary, '')
			 FROM commits WHERE hash IN (`+placeholders(len(chunk))+`)`,
			stringArgs(chunk)...,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RebuildSearchIndex recreates the full-text index from commits. The
// index is a derived artifact and never the source of truth.
func (s *Store) RebuildSearchIndex() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM commits_fts`); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO commits_fts (hash, message, classification, summary)
		 SELECT hash, message, COALESCE(classification, ''), COALESCE(summary, '') FROM commits`,
	); err != nil {
		return err
	}
	return tx.Commit()
}

type SearchHit struct {
	Hash           string
	Subject        string
	Classification string
}

func (s *Store) SearchCommits(query string, limit int) ([]SearchHit, error) {
	rows, err := s.db.Query(
		`SELECT f.hash, c.message, COALESCE(c.classification, '')
		 FROM commits_fts f JOIN commits c ON c.hash = f.hash
		 WHERE commits_fts MATCH ? ORDER BY c.committed_at DESC LIMIT ?`,
		query, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var message string
		if err := rows.Scan(&h.Hash, &message, &h.Classification); err != nil {
			return nil, err
		}
		h.Subject = Commit{Message: message}.Subject()
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// --- helpers ---

func scanCommitFiles(rows *sql.Rows) ([]CommitFile, error) {
	var out []CommitFile
	for rows.Next() {
		var f CommitFile
		var loc sql.NullInt64
		var cmplx sql.NullFloat64
		if err := rows.Scan(&f.CommitHash, &f.Path, &f.ChangeType, &f.Additions, &f.Deletions, &loc, &cmplx); err != nil {
			return nil, err
		}
		if loc.Valid {
			f.LinesOfCode = int(loc.Int64)
			f.Measured = true
		}
		if cmplx.Valid {
			f.IndentComplexity = cmplx.Float64
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func chunkStrings(xs []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(xs); start += size {
		end := start + size
		if end > len(xs) {
			end = len(xs)
		}
		chunks = append(chunks, xs[start:end])
	}
	return chunks
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(xs []string) []any {
	args := make([]any, len(xs))
	for i, x := range xs {
		args[i] = x
	}
	return args
}
