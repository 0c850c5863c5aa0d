package parser

import (
	"strings"

	"github.com/agleyzer/cuesync/internal/segment"
	"github.com/agleyzer/cuesync/internal/telemetry"
	"github.com/agleyzer/cuesync/internal/timecode"
)

const sinkSource = "parser"

// Document is an immutable parse result. It may be shared between readers
// without synchronization.
type Document struct {
	segments  []segment.Segment
	wordCount int
	recovery  Recovery
}

// Len returns the number of segments.
func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.segments)
}

// Segment returns the segment at index i.
func (d *Document) Segment(i int) (segment.Segment, bool) {
	if d == nil || i < 0 || i >= len(d.segments) {
		return segment.Segment{}, false
	}
	return d.segments[i], true
}

// Segments returns a copy of the segments in source order.
func (d *Document) Segments() []segment.Segment {
	if d == nil {
		return nil
	}
	out := make([]segment.Segment, len(d.segments))
	copy(out, d.segments)
	return out
}

// WordCount is the whitespace token count of the raw input text.
func (d *Document) WordCount() int {
	if d == nil {
		return 0
	}
	return d.wordCount
}

// Recovery reports which pass produced the segments.
func (d *Document) Recovery() Recovery {
	if d == nil {
		return RecoveryNone
	}
	return d.recovery
}

// End returns the largest valid end time, or zero.
func (d *Document) End() float64 {
	var end float64
	if d == nil {
		return end
	}
	for _, s := range d.segments {
		if s.EndTime.Valid && s.EndTime.Seconds > end {
			end = s.EndTime.Seconds
		}
	}
	return end
}

// Builder parses documents and reports recovery notices to a sink.
type Builder struct {
	sink    telemetry.Sink
	verbose bool
}

// NewBuilder creates a Builder. A nil sink discards notices. With verbose
// set, every recovered or flagged cue is recorded individually.
func NewBuilder(sink telemetry.Sink, verbose bool) *Builder {
	return &Builder{sink: telemetry.OrNop(sink), verbose: verbose}
}

// Parse builds a Document without reporting anything.
func Parse(text string) *Document {
	return NewBuilder(nil, false).Build(text)
}

// Build parses text. The output depends only on text: identical input
// always yields an identical Document. Any non-empty input produces at
// least one segment; cues whose stamps fail normalization are kept and
// flagged rather than dropped.
func (b *Builder) Build(text string) *Document {
	cues := ParseCues(text)
	recovery := RecoveryNone

	if len(cues) == 0 && text != "" {
		cues, recovery = RecoverCues(text)
		b.sink.Record("strict parse found no cues, fallback parsing engaged", telemetry.SeverityWarn, telemetry.Meta{
			Source: sinkSource,
			Details: map[string]any{
				"recovery": recovery.String(),
				"cues":     len(cues),
				"bytes":    len(text),
			},
		})
	}

	segments := make([]segment.Segment, 0, len(cues))
	flagged := 0
	for i, c := range cues {
		seg := toSegment(c)
		if seg.Flagged() {
			flagged++
			if b.verbose {
				b.sink.Record("cue timing could not be normalized", telemetry.SeverityDebug, telemetry.Meta{
					Source: sinkSource,
					Details: map[string]any{
						"index": i,
						"start": c.Start,
						"end":   c.End,
						"error": seg.TimingErr.Error(),
					},
				})
			}
		} else if b.verbose && recovery != RecoveryNone {
			b.sink.Record("recovered cue", telemetry.SeverityDebug, telemetry.Meta{
				Source: sinkSource,
				Details: map[string]any{
					"index": i,
					"start": c.Start,
					"end":   c.End,
					"text":  c.Text,
				},
			})
		}
		segments = append(segments, seg)
	}

	if flagged > 0 && !b.verbose {
		b.sink.Record("cues kept with unparseable timing", telemetry.SeverityWarn, telemetry.Meta{
			Source:  sinkSource,
			Details: map[string]any{"flagged": flagged, "segments": len(segments)},
		})
	}

	return &Document{
		segments:  segments,
		wordCount: len(strings.Fields(text)),
		recovery:  recovery,
	}
}

func toSegment(c Cue) segment.Segment {
	start, startErr := timecode.Parse(c.Start)
	end, endErr := timecode.Parse(c.End)

	seg := segment.Segment{StartTime: start, EndTime: end, Text: c.Text}
	if startErr != nil {
		seg.TimingErr = startErr
	} else if endErr != nil {
		seg.TimingErr = endErr
	}
	return seg
}
