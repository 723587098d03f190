package main

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// likePrefix turns a literal path prefix into a LIKE pattern, escaping
// the wildcards so a "_" or "%" in a real path matches only itself.
// Pair with ESCAPE '\'.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

// Aggregator is the only writer of the derived tables (file_stats,
// file_contributors, file_coupling). Incremental rebuilds restricted to
// a set of paths are observably equivalent to a full rebuild restricted
// to those paths.
type Aggregator struct {
	store       *Store
	couplingCap int // commits touching more files are excluded from coupling
}

func NewAggregator(store *Store, couplingCap int) *Aggregator {
	if couplingCap <= 0 {
		couplingCap = 200
	}
	return &Aggregator{store: store, couplingCap: couplingCap}
}

// RebuildAll recomputes every derived table from scratch.
func (a *Aggregator) RebuildAll() error {
	if err := a.rebuildFileStats(nil); err != nil {
		return fmt.Errorf("file_stats: %w", err)
	}
	if err := a.rebuildContributors(nil); err != nil {
		return fmt.Errorf("file_contributors: %w", err)
	}
	if err := a.rebuildCoupling(nil); err != nil {
		return fmt.Errorf("file_coupling: %w", err)
	}
	return nil
}

// RebuildIncremental restricts each recomputation to the file paths
// touched by the given commits.
func (a *Aggregator) RebuildIncremental(affectedHashes []string) error {
	if len(affectedHashes) == 0 {
		return nil
	}
	paths, err := a.store.PathsForCommits(affectedHashes)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}
	if err := a.rebuildFileStats(paths); err != nil {
		return fmt.Errorf("file_stats: %w", err)
	}
	if err := a.rebuildContributors(paths); err != nil {
		return fmt.Errorf("file_contributors: %w", err)
	}
	if err := a.rebuildCoupling(paths); err != nil {
		return fmt.Errorf("file_coupling: %w", err)
	}
	return nil
}

// statsAccum accumulates one file_stats row during recomputation.
type statsAccum struct {
	counts       map[string]int
	firstSeen    time.Time
	lastChanged  time.Time
	additions    int
	deletions    int
	snapshotAt   time.Time
	currentLOC   int
	currentCmplx float64
}

// rebuildFileStats recomputes per-file rolling stats from enriched
// commits. paths == nil means all files.
func (a *Aggregator) rebuildFileStats(paths []string) error {
	accums := make(map[string]*statsAccum)

	scan := func(rows *sql.Rows) error {
		defer rows.Close()
		for rows.Next() {
			var path, classification string
			var committedAt time.Time
			var additions, deletions int
			var loc sql.NullInt64
			var cmplx sql.NullFloat64
			if err := rows.Scan(&path, &classification, &committedAt, &additions, &deletions, &loc, &cmplx); err != nil {
				return err
			}
			acc := accums[path]
			if acc == nil {
				acc = &statsAccum{counts: make(map[string]int)}
				accums[path] = acc
			}
			acc.counts[classification]++
			acc.additions += additions
			acc.deletions += deletions
			if acc.firstSeen.IsZero() || committedAt.Before(acc.firstSeen) {
				acc.firstSeen = committedAt
			}
			if committedAt.After(acc.lastChanged) {
				acc.lastChanged = committedAt
			}
			// Current snapshot: the most recent non-zero measurement,
			// tie-broken by commit time descending.
			if loc.Valid && loc.Int64 > 0 && committedAt.After(acc.snapshotAt) {
				acc.snapshotAt = committedAt
				acc.currentLOC = int(loc.Int64)
				acc.currentCmplx = cmplx.Float64
			}
		}
		return rows.Err()
	}

	query := `SELECT cf.file_path, c.classification, c.committed_at, cf.additions, cf.deletions,
	                 cf.lines_of_code, cf.indent_complexity
	          FROM commit_files cf JOIN commits c ON c.hash = cf.commit_hash
	          WHERE c.classification IS NOT NULL`
	if paths == nil {
		rows, err := a.store.db.Query(query)
		if err != nil {
			return err
		}
		if err := scan(rows); err != nil {
			return err
		}
	} else {
		for _, chunk := range chunkStrings(paths, sqliteParamChunk) {
			rows, err := a.store.db.Query(query+` AND cf.file_path IN (`+placeholders(len(chunk))+`)`, stringArgs(chunk)...)
			if err != nil {
				return err
			}
			if err := scan(rows); err != nil {
				return err
			}
		}
	}

	tx, err := a.store.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if paths == nil {
		if _, err := tx.Exec(`DELETE FROM file_stats`); err != nil {
			return err
		}
	} else {
		for _, chunk := range chunkStrings(paths, sqliteParamChunk) {
			if _, err := tx.Exec(`DELETE FROM file_stats WHERE file_path IN (`+placeholders(len(chunk))+`)`, stringArgs(chunk)...); err != nil {
				return err
			}
		}
	}

	for path, acc := range accums {
		total := 0
		for _, n := range acc.counts {
			total += n
		}
		var loc, cmplx any
		if acc.currentLOC > 0 {
			loc = acc.currentLOC
			cmplx = acc.currentCmplx
		}
		if _, err := tx.Exec(
			`INSERT INTO file_stats (file_path, feature_count, fix_count, refactor_count, docs_count, test_count, chore_count,
			                         total_changes, first_seen, last_changed, additions, deletions, current_loc, current_complexity)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			path, acc.counts[ClassFeature], acc.counts[ClassFix], acc.counts[ClassRefactor],
			acc.counts[ClassDocs], acc.counts[ClassTest], acc.counts[ClassChore],
			total, acc.firstSeen, acc.lastChanged, acc.additions, acc.deletions, loc, cmplx,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// rebuildContributors recomputes per-file commit counts per author from
// all commits, enriched or not.
func (a *Aggregator) rebuildContributors(paths []string) error {
	tx, err := a.store.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert := `INSERT INTO file_contributors (file_path, author_email, commit_count)
	           SELECT cf.file_path, c.author_email, COUNT(*)
	           FROM commit_files cf JOIN commits c ON c.hash = cf.commit_hash`
	if paths == nil {
		if _, err := tx.Exec(`DELETE FROM file_contributors`); err != nil {
			return err
		}
		if _, err := tx.Exec(insert + ` GROUP BY cf.file_path, c.author_email`); err != nil {
			return err
		}
	} else {
		for _, chunk := range chunkStrings(paths, sqliteParamChunk) {
			args := stringArgs(chunk)
			if _, err := tx.Exec(`DELETE FROM file_contributors WHERE file_path IN (`+placeholders(len(chunk))+`)`, args...); err != nil {
				return err
			}
			if _, err := tx.Exec(insert+` WHERE cf.file_path IN (`+placeholders(len(chunk))+`) GROUP BY cf.file_path, c.author_email`, args...); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// rebuildCoupling recomputes co-change counts. Commits touching more
// than couplingCap files are excluded (bulk mechanical commits are noise
// and the pairwise join is quadratic in commit size), and pairs with
// fewer than two co-changes are pruned.
func (a *Aggregator) rebuildCoupling(paths []string) error {
	affected := make(map[string]bool, len(paths))
	for _, p := range paths {
		affected[p] = true
	}

	// Commits whose pair counts need recomputing: all of them for a full
	// rebuild, else only those touching an affected path.
	commitPaths := make(map[string][]string)
	if paths == nil {
		rows, err := a.store.db.Query(`SELECT commit_hash, file_path FROM commit_files`)
		if err != nil {
			return err
		}
		if err := scanCommitPaths(rows, commitPaths); err != nil {
			return err
		}
	} else {
		relevant := make(map[string]bool)
		for _, chunk := range chunkStrings(paths, sqliteParamChunk) {
			rows, err := a.store.db.Query(
				`SELECT DISTINCT commit_hash FROM commit_files WHERE file_path IN (`+placeholders(len(chunk))+`)`,
				stringArgs(chunk)...,
			)
			if err != nil {
				return err
			}
			for rows.Next() {
				var h string
				if err := rows.Scan(&h); err != nil {
					rows.Close()
					return err
				}
				relevant[h] = true
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return err
			}
			rows.Close()
		}
		hashes := make([]string, 0, len(relevant))
		for h := range relevant {
			hashes = append(hashes, h)
		}
		sort.Strings(hashes)
		for _, chunk := range chunkStrings(hashes, sqliteParamChunk) {
			rows, err := a.store.db.Query(
				`SELECT commit_hash, file_path FROM commit_files WHERE commit_hash IN (`+placeholders(len(chunk))+`)`,
				stringArgs(chunk)...,
			)
			if err != nil {
				return err
			}
			if err := scanCommitPaths(rows, commitPaths); err != nil {
				return err
			}
		}
	}

	counts := make(map[[2]string]int)
	for _, files := range commitPaths {
		if len(files) < 2 || len(files) > a.couplingCap {
			continue
		}
		sort.Strings(files)
		for i := 0; i < len(files); i++ {
			for j := i + 1; j < len(files); j++ {
				if paths != nil && !affected[files[i]] && !affected[files[j]] {
					continue
				}
				counts[[2]string{files[i], files[j]}]++
			}
		}
	}

	tx, err := a.store.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if paths == nil {
		if _, err := tx.Exec(`DELETE FROM file_coupling`); err != nil {
			return err
		}
	} else {
		for _, chunk := range chunkStrings(paths, sqliteParamChunk) {
			args := stringArgs(chunk)
			ph := placeholders(len(chunk))
			if _, err := tx.Exec(`DELETE FROM file_coupling WHERE file_a IN (`+ph+`) OR file_b IN (`+ph+`)`,
				append(args, args...)...); err != nil {
				return err
			}
		}
	}

	for pair, n := range counts {
		if n < 2 {
			continue // sparsity prune: single co-changes are incidental
		}
		if _, err := tx.Exec(
			`INSERT INTO file_coupling (file_a, file_b, co_change_count) VALUES (?, ?, ?)`,
			pair[0], pair[1], n,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanCommitPaths(rows *sql.Rows, dst map[string][]string) error {
	defer rows.Close()
	for rows.Next() {
		var hash, path string
		if err := rows.Scan(&hash, &path); err != nil {
			return err
		}
		dst[hash] = append(dst[hash], path)
	}
	return rows.Err()
}

// --- queries over the derived tables ---

type Hotspot struct {
	Path         string
	Changes      int
	Additions    int
	Deletions    int
	CurrentLOC   int
	CurrentCmplx float64
	Score        float64
}

// Hotspots ranks files under pathPrefix (empty = whole repo) by the
// given metric: "changes", "churn", "complexity", or "combined". The
// combined score multiplies change-count and complexity, each
// normalized by the maximum in scope; a file with no complexity
// measurement scores zero.
func (a *Aggregator) Hotspots(metric string, pathPrefix string, limit int) ([]Hotspot, error) {
	query := `SELECT file_path, total_changes, additions, deletions, current_loc, current_complexity FROM file_stats`
	var args []any
	if pathPrefix != "" {
		query += ` WHERE file_path LIKE ? ESCAPE '\'`
		args = append(args, likePrefix(pathPrefix))
	}
	rows, err := a.store.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spots []Hotspot
	for rows.Next() {
		var h Hotspot
		var loc sql.NullInt64
		var cmplx sql.NullFloat64
		if err := rows.Scan(&h.Path, &h.Changes, &h.Additions, &h.Deletions, &loc, &cmplx); err != nil {
			return nil, err
		}
		h.CurrentLOC = int(loc.Int64)
		h.CurrentCmplx = cmplx.Float64
		spots = append(spots, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	maxChanges, maxCmplx := 0, 0.0
	for _, h := range spots {
		if h.Changes > maxChanges {
			maxChanges = h.Changes
		}
		if h.CurrentCmplx > maxCmplx {
			maxCmplx = h.CurrentCmplx
		}
	}

	for i := range spots {
		h := &spots[i]
		switch metric {
		case "churn":
			h.Score = float64(h.Additions + h.Deletions)
		case "complexity":
			h.Score = h.CurrentCmplx
		case "combined":
			if h.CurrentCmplx > 0 && maxChanges > 0 && maxCmplx > 0 {
				h.Score = (float64(h.Changes) / float64(maxChanges)) * (h.CurrentCmplx / maxCmplx)
			}
		default: // changes
			h.Score = float64(h.Changes)
		}
	}

	sort.Slice(spots, func(i, j int) bool {
		if spots[i].Score != spots[j].Score {
			return spots[i].Score > spots[j].Score
		}
		return spots[i].Path < spots[j].Path
	})
	if limit > 0 && len(spots) > limit {
		spots = spots[:limit]
	}
	return spots, nil
}

// Coupling returns the co-change count for a pair of files, in either
// argument order.
func (a *Aggregator) Coupling(fileA, fileB string) (int, error) {
	if fileA > fileB {
		fileA, fileB = fileB, fileA
	}
	var n int
	err := a.store.db.QueryRow(
		`SELECT co_change_count FROM file_coupling WHERE file_a = ? AND file_b = ?`,
		fileA, fileB,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// FileStats returns the derived row for one file. A file no enriched
// commit ever touched reports sql.ErrNoRows.
func (a *Aggregator) FileStats(path string) (FileStat, error) {
	stat := FileStat{Path: path}
	counts := make([]int, len(Classifications))
	var loc sql.NullInt64
	var cmplx sql.NullFloat64
	err := a.store.db.QueryRow(
		`SELECT feature_count, fix_count, refactor_count, docs_count, test_count, chore_count,
		        total_changes, first_seen, last_changed, additions, deletions, current_loc, current_complexity
		 FROM file_stats WHERE file_path = ?`, path,
	).Scan(&counts[0], &counts[1], &counts[2], &counts[3], &counts[4], &counts[5],
		&stat.TotalChanges, &stat.FirstSeen, &stat.LastChanged, &stat.Additions, &stat.Deletions, &loc, &cmplx)
	if err != nil {
		return stat, err
	}
	stat.Counts = make(map[string]int, len(Classifications))
	for i, class := range Classifications {
		stat.Counts[class] = counts[i]
	}
	stat.CurrentLOC = int(loc.Int64)
	stat.CurrentCmplx = cmplx.Float64
	return stat, nil
}

// Contributors lists authors by commit count on one file, busiest first.
func (a *Aggregator) Contributors(path string, limit int) ([]FileContributor, error) {
	rows, err := a.store.db.Query(
		`SELECT file_path, author_email, commit_count FROM file_contributors
		 WHERE file_path = ? ORDER BY commit_count DESC, author_email LIMIT ?`,
		path, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileContributor
	for rows.Next() {
		var c FileContributor
		if err := rows.Scan(&c.Path, &c.AuthorEmail, &c.Commits); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CoupledFiles lists files most often co-changed with the given one.
func (a *Aggregator) CoupledFiles(path string, limit int) ([]FileCoupling, error) {
	rows, err := a.store.db.Query(
		`SELECT file_a, file_b, co_change_count FROM file_coupling
		 WHERE file_a = ? OR file_b = ? ORDER BY co_change_count DESC, file_a, file_b LIMIT ?`,
		path, path, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileCoupling
	for rows.Next() {
		var c FileCoupling
		if err := rows.Scan(&c.PathA, &c.PathB, &c.CoChange); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type DirStats struct {
	Prefix           string
	Files            int
	TotalChanges     int
	Additions        int
	Deletions        int
	FirstSeen        time.Time
	LastChanged      time.Time
	TotalLOC         int
	AvgComplexity    float64
	MaxComplexity    float64
	ExternalCoupling int // co-changes between files inside and outside the prefix
}

// DirectoryStats aggregates file_stats over every file sharing a path
// prefix, including coupling counts to files outside the prefix.
func (a *Aggregator) DirectoryStats(prefix string) (DirStats, error) {
	stats := DirStats{Prefix: prefix}

	rows, err := a.store.db.Query(
		`SELECT total_changes, additions, deletions, first_seen, last_changed, current_loc, current_complexity
		 FROM file_stats WHERE file_path LIKE ? ESCAPE '\'`, likePrefix(prefix),
	)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	measured := 0
	var cmplxSum float64
	for rows.Next() {
		var changes, additions, deletions int
		var firstSeen, lastChanged sql.NullTime
		var loc sql.NullInt64
		var cmplx sql.NullFloat64
		if err := rows.Scan(&changes, &additions, &deletions, &firstSeen, &lastChanged, &loc, &cmplx); err != nil {
			return stats, err
		}
		stats.Files++
		stats.TotalChanges += changes
		stats.Additions += additions
		stats.Deletions += deletions
		if firstSeen.Valid && (stats.FirstSeen.IsZero() || firstSeen.Time.Before(stats.FirstSeen)) {
			stats.FirstSeen = firstSeen.Time
		}
		if lastChanged.Valid && lastChanged.Time.After(stats.LastChanged) {
			stats.LastChanged = lastChanged.Time
		}
		if loc.Valid {
			stats.TotalLOC += int(loc.Int64)
		}
		if cmplx.Valid {
			measured++
			cmplxSum += cmplx.Float64
			if cmplx.Float64 > stats.MaxComplexity {
				stats.MaxComplexity = cmplx.Float64
			}
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	if measured > 0 {
		stats.AvgComplexity = cmplxSum / float64(measured)
	}

	err = a.store.db.QueryRow(
		`SELECT COALESCE(SUM(co_change_count), 0) FROM file_coupling
		 WHERE (file_a LIKE ? ESCAPE '\') != (file_b LIKE ? ESCAPE '\')`,
		likePrefix(prefix), likePrefix(prefix),
	).Scan(&stats.ExternalCoupling)
	return stats, err
}

// --- activity trends ---

type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
	TrendNone       TrendDirection = "none" // fewer than 2 periods
)

type TrendPeriod struct {
	Start      time.Time
	Commits    int
	Fixes      int
	Complexity float64 // mean indent complexity over measured files, 0 if none
	measured   int
}

type Trend struct {
	Bucket     string        // "week", "month", "quarter"
	Periods    []TrendPeriod // newest first
	Activity   TrendDirection
	FixRate    TrendDirection
	Complexity TrendDirection
}

// Trends buckets enriched commits into periods and classifies
// total-activity, bug-fix-rate, and complexity as increasing (recent /
// historical ratio > 1.2), decreasing (< 0.8), or stable. Fewer than
// two periods yields no trend.
func (a *Aggregator) Trends(bucket string) (Trend, error) {
	trend := Trend{Bucket: bucket, Activity: TrendNone, FixRate: TrendNone, Complexity: TrendNone}
	byPeriod := make(map[time.Time]*TrendPeriod)

	rows, err := a.store.db.Query(
		`SELECT committed_at, classification FROM commits WHERE classification IS NOT NULL`,
	)
	if err != nil {
		return trend, err
	}
	for rows.Next() {
		var committedAt time.Time
		var classification string
		if err := rows.Scan(&committedAt, &classification); err != nil {
			rows.Close()
			return trend, err
		}
		p := trendPeriod(byPeriod, periodStart(committedAt, bucket))
		p.Commits++
		if classification == ClassFix {
			p.Fixes++
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return trend, err
	}
	rows.Close()

	cmplxRows, err := a.store.db.Query(
		`SELECT c.committed_at, cf.indent_complexity
		 FROM commit_files cf JOIN commits c ON c.hash = cf.commit_hash
		 WHERE c.classification IS NOT NULL AND cf.indent_complexity IS NOT NULL`,
	)
	if err != nil {
		return trend, err
	}
	for cmplxRows.Next() {
		var committedAt time.Time
		var cmplx float64
		if err := cmplxRows.Scan(&committedAt, &cmplx); err != nil {
			cmplxRows.Close()
			return trend, err
		}
		p := trendPeriod(byPeriod, periodStart(committedAt, bucket))
		p.Complexity += cmplx
		p.measured++
	}
	if err := cmplxRows.Err(); err != nil {
		cmplxRows.Close()
		return trend, err
	}
	cmplxRows.Close()

	periods := make([]TrendPeriod, 0, len(byPeriod))
	for _, p := range byPeriod {
		if p.measured > 0 {
			p.Complexity /= float64(p.measured)
		}
		periods = append(periods, *p)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Start.After(periods[j].Start) })
	trend.Periods = periods

	if len(periods) < 2 {
		return trend, nil
	}

	recentN := splitRecent(len(periods))
	recent, historical := periods[:recentN], periods[recentN:]

	trend.Activity = classifyTrend(avgOver(recent, func(p TrendPeriod) float64 { return float64(p.Commits) }),
		avgOver(historical, func(p TrendPeriod) float64 { return float64(p.Commits) }))
	trend.FixRate = classifyTrend(fixRate(recent), fixRate(historical))
	trend.Complexity = classifyTrend(avgOver(recent, func(p TrendPeriod) float64 { return p.Complexity }),
		avgOver(historical, func(p TrendPeriod) float64 { return p.Complexity }))
	return trend, nil
}

func trendPeriod(byPeriod map[time.Time]*TrendPeriod, start time.Time) *TrendPeriod {
	p := byPeriod[start]
	if p == nil {
		p = &TrendPeriod{Start: start}
		byPeriod[start] = p
	}
	return p
}

func avgOver(periods []TrendPeriod, f func(TrendPeriod) float64) float64 {
	if len(periods) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range periods {
		sum += f(p)
	}
	return sum / float64(len(periods))
}

func fixRate(periods []TrendPeriod) float64 {
	commits, fixes := 0, 0
	for _, p := range periods {
		commits += p.Commits
		fixes += p.Fixes
	}
	if commits == 0 {
		return 0
	}
	return float64(fixes) / float64(commits)
}

// periodStart truncates a timestamp to its containing week, month, or
// quarter, in UTC. Weeks start on Monday.
func periodStart(t time.Time, bucket string) time.Time {
	t = t.UTC()
	switch bucket {
	case "month":
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case "quarter":
		q := (int(t.Month()) - 1) / 3
		return time.Date(t.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
	default: // week
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	}
}

// splitRecent returns how many of n periods count as "recent": 3 once at
// least 6 exist, otherwise half. Downstream consumers depend on this
// exact boundary.
func splitRecent(n int) int {
	if n >= 6 {
		return 3
	}
	return n / 2
}

// classifyTrend compares a recent average against a historical baseline.
// A zero baseline with positive recent activity reads as increasing.
func classifyTrend(recent, historical float64) TrendDirection {
	if historical == 0 {
		if recent > 0 {
			return TrendIncreasing
		}
		return TrendStable
	}
	ratio := recent / historical
	switch {
	case ratio > 1.2:
		return TrendIncreasing
	case ratio < 0.8:
		return TrendDecreasing
	default:
		return TrendStable
	}
}
