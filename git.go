package main

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Field/record separators used in custom git pretty formats. Commit
// messages can contain anything printable, so the parsers key on control
// characters instead.
const (
	gitRecordSep = "\x1e"
	gitFieldSep  = "\x1f"
)

// GitClient drives a local repository by subprocess. Every method issues
// a fixed number of git invocations regardless of how many commits it
// covers, so each pipeline phase costs one round trip.
type GitClient struct {
	RepoPath string
}

func NewGitClient(repoPath string) *GitClient {
	return &GitClient{RepoPath: repoPath}
}

func (g *GitClient) run(stdin string, args ...string) ([]byte, error) {
	cmd := exec.Command("git", append([]string{"-C", g.RepoPath}, args...)...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(errBuf.String()))
	}
	return out.Bytes(), nil
}

// Hashes lists every commit hash reachable from branch, newest first.
// A non-zero since bounds the walk.
func (g *GitClient) Hashes(branch string, since time.Time) ([]string, error) {
	args := []string{"rev-list"}
	if !since.IsZero() {
		args = append(args, "--since="+since.Format(time.RFC3339))
	}
	args = append(args, branch)
	out, err := g.run("", args...)
	if err != nil {
		return nil, err
	}
	var hashes []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			hashes = append(hashes, line)
		}
	}
	return hashes, nil
}

// InfoBatch fetches author, timestamp, message, and per-file change rows
// for all given hashes in two bulk git invocations (numstat for churn,
// name-status for change types).
func (g *GitClient) InfoBatch(hashes []string) ([]Commit, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	stdin := strings.Join(hashes, "\n") + "\n"

	out, err := g.run(stdin, "log", "--no-walk=unsorted", "--stdin", "--numstat",
		"--pretty=format:"+gitRecordSep+"%H"+gitFieldSep+"%an"+gitFieldSep+"%ae"+gitFieldSep+"%cI"+gitFieldSep+"%B"+gitFieldSep)
	if err != nil {
		return nil, err
	}
	commits, err := parseLogRecords(string(out))
	if err != nil {
		return nil, err
	}

	statusOut, err := g.run(stdin, "log", "--no-walk=unsorted", "--stdin", "--name-status",
		"--pretty=format:"+gitRecordSep+"%H"+gitFieldSep)
	if err != nil {
		return nil, err
	}
	statuses := parseNameStatus(string(statusOut))

	for i := range commits {
		byPath := statuses[commits[i].Hash]
		for j := range commits[i].Files {
			if ct, ok := byPath[commits[i].Files[j].Path]; ok {
				commits[i].Files[j].ChangeType = ct
			}
		}
	}
	return commits, nil
}

func parseLogRecords(out string) ([]Commit, error) {
	var commits []Commit
	for _, record := range strings.Split(out, gitRecordSep) {
		if strings.TrimSpace(record) == "" {
			continue
		}
		fields := strings.SplitN(record, gitFieldSep, 6)
		if len(fields) < 6 {
			return nil, fmt.Errorf("malformed git log record: %q", truncateForLog(record, 120))
		}
		committedAt, err := time.Parse(time.RFC3339, fields[3])
		if err != nil {
			return nil, fmt.Errorf("bad commit date %q for %s: %w", fields[3], fields[0], err)
		}
		c := Commit{
			Hash:        fields[0],
			AuthorName:  fields[1],
			AuthorEmail: fields[2],
			CommittedAt: committedAt,
			Message:     strings.TrimRight(fields[4], "\n"),
		}
		// The tail after the last field separator holds the numstat block.
		for _, line := range strings.Split(fields[5], "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			parts := strings.SplitN(line, "\t", 3)
			if len(parts) < 3 {
				continue
			}
			add, del := 0, 0
			if parts[0] != "-" {
				add, _ = strconv.Atoi(parts[0])
			}
			if parts[1] != "-" {
				del, _ = strconv.Atoi(parts[1])
			}
			c.Files = append(c.Files, CommitFile{
				CommitHash: c.Hash,
				Path:       normalizeNumstatPath(parts[2]),
				ChangeType: "modified",
				Additions:  add,
				Deletions:  del,
			})
		}
		commits = append(commits, c)
	}
	return commits, nil
}

// normalizeNumstatPath resolves rename syntax ("old => new" or
// "dir/{old => new}/file") to the post-rename path.
func normalizeNumstatPath(p string) string {
	if open := strings.Index(p, "{"); open >= 0 {
		if end := strings.Index(p[open:], "}"); end >= 0 {
			inner := p[open+1 : open+end]
			if arrow := strings.Index(inner, " => "); arrow >= 0 {
				p = p[:open] + inner[arrow+4:] + p[open+end+1:]
				return strings.ReplaceAll(p, "//", "/")
			}
		}
	}
	if arrow := strings.Index(p, " => "); arrow >= 0 {
		return p[arrow+4:]
	}
	return p
}

func parseNameStatus(out string) map[string]map[string]string {
	statuses := make(map[string]map[string]string)
	for _, record := range strings.Split(out, gitRecordSep) {
		if strings.TrimSpace(record) == "" {
			continue
		}
		parts := strings.SplitN(record, gitFieldSep, 2)
		if len(parts) < 2 {
			continue
		}
		hash := parts[0]
		byPath := make(map[string]string)
		for _, line := range strings.Split(parts[1], "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			cols := strings.Split(line, "\t")
			if len(cols) < 2 {
				continue
			}
			status := cols[0]
			path := cols[len(cols)-1] // renames list old then new
			switch {
			case strings.HasPrefix(status, "A"):
				byPath[path] = "added"
			case strings.HasPrefix(status, "D"):
				byPath[path] = "deleted"
			case strings.HasPrefix(status, "R"):
				byPath[path] = "renamed"
			default:
				byPath[path] = "modified"
			}
		}
		statuses[hash] = byPath
	}
	return statuses
}

// DiffBatch fetches patches for all given hashes in one invocation, each
// truncated to maxChars. Merge commits yield empty diffs, which is what
// the enrichment shortcut keys on.
func (g *GitClient) DiffBatch(hashes []string, maxChars int) (map[string]string, error) {
	if len(hashes) == 0 {
		return map[string]string{}, nil
	}
	stdin := strings.Join(hashes, "\n") + "\n"
	out, err := g.run(stdin, "log", "--no-walk=unsorted", "--stdin", "-p",
		"--pretty=format:"+gitRecordSep+"%H"+gitFieldSep)
	if err != nil {
		return nil, err
	}

	diffs := make(map[string]string, len(hashes))
	for _, record := range strings.Split(string(out), gitRecordSep) {
		if record == "" {
			continue
		}
		parts := strings.SplitN(record, gitFieldSep, 2)
		if len(parts) < 2 {
			continue
		}
		diff := strings.TrimSpace(parts[1])
		if len(diff) > maxChars {
			diff = diff[:maxChars]
		}
		diffs[parts[0]] = diff
	}
	return diffs, nil
}

// ContentEntry names one blob to fetch: the file's content as of a commit.
type ContentEntry struct {
	Hash string
	Path string
}

// FileContentsBatch fetches blob contents through one `git cat-file
// --batch` process. Missing blobs (e.g. a path deleted in that commit)
// are absent from the result, not an error.
func (g *GitClient) FileContentsBatch(entries []ContentEntry) (map[ContentEntry][]byte, error) {
	if len(entries) == 0 {
		return map[ContentEntry][]byte{}, nil
	}
	var stdin strings.Builder
	for _, e := range entries {
		stdin.WriteString(e.Hash + ":" + e.Path + "\n")
	}
	out, err := g.run(stdin.String(), "cat-file", "--batch")
	if err != nil {
		return nil, err
	}

	contents := make(map[ContentEntry][]byte, len(entries))
	rest := out
	for _, e := range entries {
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			break
		}
		header := string(rest[:nl])
		rest = rest[nl+1:]
		if strings.HasSuffix(header, " missing") || strings.HasSuffix(header, " ambiguous") {
			continue
		}
		cols := strings.Fields(header)
		if len(cols) != 3 {
			return nil, fmt.Errorf("unexpected cat-file header: %q", header)
		}
		size, err := strconv.Atoi(cols[2])
		if err != nil || size < 0 || size+1 > len(rest) {
			return nil, fmt.Errorf("bad cat-file size in header %q", header)
		}
		contents[e] = append([]byte(nil), rest[:size]...)
		rest = rest[size+1:] // object body is followed by a newline
	}
	return contents, nil
}

// TrackedFiles lists every path tracked on the current checkout.
func (g *GitClient) TrackedFiles() ([]string, error) {
	out, err := g.run("", "ls-files")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(string(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func truncateForLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
