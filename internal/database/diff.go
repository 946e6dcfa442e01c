package database

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DescriptionChanges summarizes how a product description changed between
// two scrapes: a "+added -removed lines" header followed by the patch text.
func DescriptionChanges(oldText, newText string) string {
	if oldText == newText {
		return ""
	}
	patch, added, removed := buildLineDiff(oldText, newText)
	return fmt.Sprintf("+%d -%d lines\n%s", added, removed, patch)
}

// buildLineDiff returns a patch string plus added/removed line counts.
func buildLineDiff(oldText, newText string) (string, int, int) {
	dmp := diffmatchpatch.New()
	text1, text2, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffMain(text1, text2, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	added := 0
	removed := 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += countLines(d.Text)
		}
	}

	patches := dmp.PatchMake(oldText, diffs)
	return dmp.PatchToText(patches), added, removed
}

func countLines(text string) int {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return 0
	}
	return strings.Count(text, "\n") + 1
}
