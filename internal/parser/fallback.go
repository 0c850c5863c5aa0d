package parser

import (
	"strings"

	"github.com/agleyzer/cuesync/internal/timecode"
)

// Placeholder timings used when recovered cues carry unusable stamps.
const (
	PlaceholderStart    = "00:00:00.000"
	PlaceholderEnd      = "00:05:00.000"
	PlaceholderDocEnd   = "00:10:00.000"
	stampTrimCharacters = "[]()<>{}\"'"
)

// Recovery records which pass produced a document's segments.
type Recovery int

const (
	// RecoveryNone means the strict pass found the cues.
	RecoveryNone Recovery = iota
	// RecoveryCues means the loose line scan recovered cues.
	RecoveryCues
	// RecoveryWholeDocument means the whole document became one segment.
	RecoveryWholeDocument
)

// String returns a short name for logs.
func (r Recovery) String() string {
	switch r {
	case RecoveryNone:
		return "strict"
	case RecoveryCues:
		return "recovered-cues"
	case RecoveryWholeDocument:
		return "whole-document"
	default:
		return "unknown"
	}
}

// RecoverCues is the fallback for documents where ParseCues found nothing.
// It first rescans with a looser state machine that opens a cue on any line
// containing the separator, keeping explicit stamps when they normalize and
// substituting placeholders when they do not. If that still yields nothing,
// the entire document (minus the header token) becomes a single cue over a
// wide placeholder window. The result is never empty.
func RecoverCues(text string) ([]Cue, Recovery) {
	if cues := looseScan(text); len(cues) > 0 {
		return cues, RecoveryCues
	}
	return []Cue{wholeDocument(text)}, RecoveryWholeDocument
}

func looseScan(text string) []Cue {
	var (
		cues  []Cue
		cur   *Cue
		lines []string
	)

	flush := func() {
		if cur != nil && len(lines) > 0 {
			cur.Text = strings.Join(lines, " ")
			cues = append(cues, *cur)
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

		if strings.Contains(line, Separator) {
			flush()
			start, end := looseStamps(line)
			cur = &Cue{Start: start, End: end}
			continue
		}

		if cur == nil || isHeader(line) {
			continue
		}

		lines = append(lines, line)
	}
	flush()

	return cues
}

// looseStamps pulls the two stamps around the separator. Both are replaced
// by placeholders unless both normalize.
func looseStamps(line string) (string, string) {
	left, right, _ := strings.Cut(line, Separator)

	start := strings.Trim(lastField(left), stampTrimCharacters)
	end := strings.Trim(firstField(right), stampTrimCharacters)

	if _, err := timecode.Normalize(start); err != nil {
		return PlaceholderStart, PlaceholderEnd
	}
	if _, err := timecode.Normalize(end); err != nil {
		return PlaceholderStart, PlaceholderEnd
	}
	return start, end
}

func wholeDocument(text string) Cue {
	body := strings.Replace(text, headerToken, "", 1)
	return Cue{
		Start: PlaceholderStart,
		End:   PlaceholderDocEnd,
		Text:  strings.Join(strings.Fields(body), " "),
	}
}

func firstField(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

func lastField(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[len(f)-1]
}
