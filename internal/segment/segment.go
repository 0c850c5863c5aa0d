// Package segment defines the time-stamped caption segment.
package segment

import "github.com/agleyzer/cuesync/internal/timecode"

// Segment represents a single caption cue after timestamp normalization.
type Segment struct {
	// StartTime is where the segment begins on the audio timeline
	StartTime timecode.Timecode

	// EndTime is where the segment ends on the audio timeline
	EndTime timecode.Timecode

	// Text is the caption text, lines joined with a single space
	Text string

	// TimingErr holds the first normalization failure for this segment.
	// A segment with a TimingErr is kept so its text is not lost.
	TimingErr error
}

// Flagged reports whether either timestamp failed normalization.
func (s Segment) Flagged() bool {
	return s.TimingErr != nil || !s.StartTime.Valid || !s.EndTime.Valid
}

// Contains reports whether pos lies inside [start, end], inclusively.
// Segments with unparseable timing never contain a position.
func (s Segment) Contains(pos float64) bool {
	if !s.StartTime.Valid || !s.EndTime.Valid {
		return false
	}
	return pos >= s.StartTime.Seconds && pos <= s.EndTime.Seconds
}

// Duration returns end minus start in seconds, or zero when the timing is
// unusable.
func (s Segment) Duration() float64 {
	if !s.StartTime.Valid || !s.EndTime.Valid || s.EndTime.Seconds < s.StartTime.Seconds {
		return 0
	}
	return s.EndTime.Seconds - s.StartTime.Seconds
}
