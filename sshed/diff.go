package sshed

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// cumulative diff scheme: every diff is computed against the last content
// both sides converged to (the session baseline), never against the original
// file. ComputeDiff and ApplyDiff are exact inverses over that baseline:
//
//   ApplyDiff(base, ComputeDiff(base, target)) == target
//
// content is treated as newline-delimited text. difflib.SplitLines terminates
// every line, including a synthetic final one, so a rejoin carries exactly one
// trailing newline that ApplyDiff strips again.

const diffContextLines = 3

// ComputeDiff produces a unified-diff-style patch transforming base into
// target.
func ComputeDiff(base []byte, target []byte) ([]byte, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(base)),
		B:        difflib.SplitLines(string(target)),
		FromFile: "base",
		ToFile:   "target",
		Context:  diffContextLines,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return nil, err
	}
	return []byte(text), nil
}

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// ApplyDiff applies a patch produced by ComputeDiff to base. Every context
// and removal line must match base exactly at the stated position; any
// mismatch fails with an error wrapping ErrDiffApplication and leaves no
// partial result.
func ApplyDiff(base []byte, diff []byte) ([]byte, error) {
	baseLines := difflib.SplitLines(string(base))
	diffLines := splitKeepEnds(string(diff))

	patched := []string{}
	cursor := 0

	i := 0
	for i < len(diffLines) {
		line := diffLines[i]
		if strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "+++ ") {
			i += 1
			continue
		}
		match := hunkHeaderRe.FindStringSubmatch(line)
		if match == nil {
			return nil, fmt.Errorf("expected hunk header, got %q: %w", strings.TrimSuffix(line, "\n"), ErrDiffApplication)
		}
		i += 1

		baseStart, _ := strconv.Atoi(match[1])
		baseLen := 1
		if match[2] != "" {
			baseLen, _ = strconv.Atoi(match[2])
		}

		// a zero-length base range names the line before the insertion point
		hunkAt := baseStart - 1
		if baseLen == 0 {
			hunkAt = baseStart
		}
		if hunkAt < cursor || len(baseLines) < hunkAt {
			return nil, fmt.Errorf("hunk at base line %d is out of order: %w", baseStart, ErrDiffApplication)
		}
		patched = append(patched, baseLines[cursor:hunkAt]...)
		cursor = hunkAt

		for i < len(diffLines) && hunkHeaderRe.FindStringSubmatch(diffLines[i]) == nil {
			hunkLine := diffLines[i]
			i += 1
			if len(hunkLine) == 0 {
				return nil, fmt.Errorf("empty hunk line: %w", ErrDiffApplication)
			}
			content := hunkLine[1:]
			switch hunkLine[0] {
			case ' ':
				if len(baseLines) <= cursor || baseLines[cursor] != content {
					return nil, fmt.Errorf("context line %q does not match base: %w", strings.TrimSuffix(content, "\n"), ErrDiffApplication)
				}
				patched = append(patched, content)
				cursor += 1
			case '-':
				if len(baseLines) <= cursor || baseLines[cursor] != content {
					return nil, fmt.Errorf("removed line %q does not match base: %w", strings.TrimSuffix(content, "\n"), ErrDiffApplication)
				}
				cursor += 1
			case '+':
				patched = append(patched, content)
			default:
				return nil, fmt.Errorf("unknown diff line prefix %q: %w", string(hunkLine[0]), ErrDiffApplication)
			}
		}
	}

	patched = append(patched, baseLines[cursor:]...)
	joined := strings.Join(patched, "")
	// SplitLines terminates the final line; undo that
	return []byte(strings.TrimSuffix(joined, "\n")), nil
}

func splitKeepEnds(s string) []string {
	lines := strings.SplitAfter(s, "\n")
	if 0 < len(lines) && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
