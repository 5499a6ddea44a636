// Package diffsum computes the line-level diff summary persisted alongside a
// successful patch execution. It uses the sergi/go-diff engine rather than a
// hand-rolled LCS.
package diffsum

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Hunk is one contiguous region of change.
type Hunk struct {
	OldStart int `json:"old_start"`
	OldLines int `json:"old_lines"`
	NewStart int `json:"new_start"`
	NewLines int `json:"new_lines"`
}

// Header renders the hunk in unified-diff @@ form.
func (h Hunk) Header() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldLines, h.NewStart, h.NewLines)
}

// Summary describes the shape of one file's change.
type Summary struct {
	Path         string `json:"path"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
	Hunks        []Hunk `json:"hunks,omitempty"`
}

// String renders a compact one-line form for logs and records.
func (s *Summary) String() string {
	headers := make([]string, 0, len(s.Hunks))
	for _, h := range s.Hunks {
		headers = append(headers, h.Header())
	}
	return fmt.Sprintf("%s +%d -%d %s", s.Path, s.LinesAdded, s.LinesRemoved, strings.Join(headers, " "))
}

// Compute builds a summary of the change from oldContent to newContent.
// Line-level reduction avoids newline boundary artifacts when converting
// character diffs to line operations.
func Compute(path, oldContent, newContent string) *Summary {
	summary := &Summary{Path: path}
	if oldContent == newContent {
		return summary
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	oldLine, newLine := 1, 1
	var open *Hunk
	for _, d := range diffs {
		lines := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			if open != nil {
				summary.Hunks = append(summary.Hunks, *open)
				open = nil
			}
			oldLine += lines
			newLine += lines
		case diffmatchpatch.DiffDelete:
			if open == nil {
				open = &Hunk{OldStart: oldLine, NewStart: newLine}
			}
			open.OldLines += lines
			summary.LinesRemoved += lines
			oldLine += lines
		case diffmatchpatch.DiffInsert:
			if open == nil {
				open = &Hunk{OldStart: oldLine, NewStart: newLine}
			}
			open.NewLines += lines
			summary.LinesAdded += lines
			newLine += lines
		}
	}
	if open != nil {
		summary.Hunks = append(summary.Hunks, *open)
	}
	return summary
}

// countLines counts content lines in a diff fragment. Fragments produced by
// DiffCharsToLines end on a newline except possibly the last.
func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}
