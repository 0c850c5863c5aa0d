// Package parser turns timed-text (WebVTT-like) documents into caption segments.
//
// Machine-generated captions are often close to, but not quite, valid WebVTT.
// The strict pass anchors only on cue timing lines and blank-line boundaries;
// when it finds nothing, a looser recovery pass runs so that a non-empty
// document never parses to zero segments.
package parser

import (
	"regexp"
	"strings"
)

// Separator is the token between the start and end stamps of a cue timing line.
const Separator = "-->"

// headerToken starts the document-type header line.
const headerToken = "WEBVTT"

// stamp matches anything shaped like a timestamp; normalization decides later
// whether it is actually usable.
const stamp = `\d+(?::\d+){0,2}(?:[.,]\d+)?`

// cueTimingRe matches "start --> end" with optional cue settings after the end stamp.
var cueTimingRe = regexp.MustCompile(`^(` + stamp + `)\s*` + Separator + `\s*(` + stamp + `)(?:\s+.*)?$`)

// Cue is a raw cue before timestamp normalization.
type Cue struct {
	Start string
	End   string
	Text  string
}

// ParseCues scans text for cues. Lines between a timing line and the next
// blank line are joined with a space to form the cue text. Header lines,
// cue identifiers and other metadata outside a cue are ignored; cues with
// no text are dropped.
//
// A line that contains the separator but is not a valid timing line still
// opens a cue, carrying whatever stamps surround the separator, so its text
// is kept. If every cue found came from such a line the result is empty and
// the document is left to RecoverCues.
func ParseCues(text string) []Cue {
	var (
		cues       []Cue
		cur        *Cue
		lines      []string
		malformed  bool
		wellFormed int
	)

	flush := func() {
		if cur != nil && len(lines) > 0 {
			cur.Text = strings.Join(lines, " ")
			cues = append(cues, *cur)
			if !malformed {
				wellFormed++
			}
		}
		cur = nil
		lines = nil
	}

	for _, raw := range splitLines(text) {
		line := strings.TrimSpace(raw)

		if line == "" {
			flush()
			continue
		}

		if m := cueTimingRe.FindStringSubmatch(line); m != nil {
			flush()
			cur = &Cue{Start: m[1], End: m[2]}
			malformed = false
			continue
		}

		if strings.Contains(line, Separator) {
			flush()
			left, right, _ := strings.Cut(line, Separator)
			cur = &Cue{
				Start: strings.Trim(lastField(left), stampTrimCharacters),
				End:   strings.Trim(firstField(right), stampTrimCharacters),
			}
			malformed = true
			continue
		}

		if cur == nil || isHeader(line) {
			continue
		}

		lines = append(lines, line)
	}
	flush()

	if wellFormed == 0 {
		return nil
	}
	return cues
}

// splitLines splits on \n and drops a trailing \r from every line.
func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}

func isHeader(line string) bool {
	return strings.HasPrefix(line, headerToken)
}
