// Package session combines continuous playback and segment playback of one
// device behind a single state surface.
package session

import (
	"github.com/google/uuid"

	"github.com/agleyzer/cuesync/internal/playback"
)

// SegmentState mirrors the segment playback controller. When Active is
// false, Index is playback.NoSegment and EndSeconds is zero.
type SegmentState struct {
	Active     bool    `json:"active"`
	Index      int     `json:"index"`
	EndSeconds float64 `json:"endSeconds"`
	Paused     bool    `json:"paused"`
}

func segmentState(s playback.State) SegmentState {
	return SegmentState{
		Active:     s.Active(),
		Index:      s.Segment,
		EndSeconds: s.EndSeconds,
		Paused:     s.Mode == playback.ModePaused,
	}
}

// Session is a snapshot of the playback session.
type Session struct {
	ID            uuid.UUID    `json:"id"`
	Source        string       `json:"source"`
	Segments      int          `json:"segments"`
	Attached      bool         `json:"attached"`
	CurrentTime   float64      `json:"currentTime"`
	Duration      float64      `json:"duration"`
	Volume        float64      `json:"volume"`
	Muted         bool         `json:"muted"`
	Loaded        bool         `json:"loaded"`
	Playing       bool         `json:"playing"`
	ActiveSegment int          `json:"activeSegment"`
	Segment       SegmentState `json:"segment"`
}

// HasActiveSegment reports whether the position is inside a segment.
func (s Session) HasActiveSegment() bool {
	return s.ActiveSegment != playback.NoSegment
}

func detached() Session {
	return Session{
		Volume:        1,
		ActiveSegment: playback.NoSegment,
		Segment:       SegmentState{Index: playback.NoSegment},
	}
}

// Publisher receives session snapshots after source changes, active segment
// changes and segment playback transitions. Publish must not block.
type Publisher interface {
	Publish(s Session)
}
