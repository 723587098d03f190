package main

import (
	"bytes"
	"log"
)

// MeasureCommits fills in lines-of-code and indentation complexity for
// every unmeasured file row of the given commits. Contents are fetched
// in one bulk cat-file call; measurement is deterministic, so re-running
// it over unchanged content is idempotent.
func MeasureCommits(store *Store, git *GitClient, hashes []string, progress ProgressFunc) (int, error) {
	files, err := store.UnmeasuredFiles(hashes)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, nil
	}

	entries := make([]ContentEntry, len(files))
	for i, f := range files {
		entries[i] = ContentEntry{Hash: f.CommitHash, Path: f.Path}
	}
	contents, err := git.FileContentsBatch(entries)
	if err != nil {
		return 0, err
	}

	measured := 0
	for i, f := range files {
		if progress != nil {
			progress(Progress{Phase: "measure", Current: i + 1, Total: len(files), Hash: f.CommitHash})
		}
		loc, complexity := measureSource(contents[entries[i]])
		if err := store.SetFileMeasurement(f.CommitHash, f.Path, loc, complexity); err != nil {
			log.Printf("measure store error hash=%s path=%s: %v", f.CommitHash, f.Path, err)
			continue
		}
		measured++
	}
	return measured, nil
}

// measureSource counts non-blank lines and averages their indentation
// depth (a tab or four spaces per level). Binary or missing content
// measures as zero, which downstream snapshot logic ignores.
func measureSource(content []byte) (int, float64) {
	if len(content) == 0 || bytes.IndexByte(content, 0) >= 0 {
		return 0, 0
	}

	loc := 0
	totalDepth := 0
	for _, line := range bytes.Split(content, []byte("\n")) {
		trimmed := bytes.TrimLeft(line, " \t")
		if len(trimmed) == 0 {
			continue
		}
		loc++
		totalDepth += indentDepth(line[:len(line)-len(trimmed)])
	}
	if loc == 0 {
		return 0, 0
	}
	return loc, float64(totalDepth) / float64(loc)
}

func indentDepth(ws []byte) int {
	depth := 0
	spaces := 0
	for _, b := range ws {
		switch b {
		case '\t':
			depth++
			spaces = 0
		case ' ':
			spaces++
			if spaces == 4 {
				depth++
				spaces = 0
			}
		}
	}
	return depth
}
