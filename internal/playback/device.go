// Package playback drives a playback device through "play only this segment"
// semantics.
package playback

import "time"

// EventType identifies a device notification.
type EventType int

const (
	EventPositionChanged EventType = iota
	EventStarted
	EventPaused
	EventEnded
	EventMetadataLoaded
)

// String returns the event name used in logs.
func (e EventType) String() string {
	switch e {
	case EventPositionChanged:
		return "positionChanged"
	case EventStarted:
		return "started"
	case EventPaused:
		return "paused"
	case EventEnded:
		return "ended"
	case EventMetadataLoaded:
		return "metadataLoaded"
	default:
		return "unknown"
	}
}

// Event is a notification from a Device. Position and Duration are in
// seconds and reflect the device at the time the event was produced, which
// may precede later commands. Consumers that act on the playhead read it
// from the Device when handling the event.
type Event struct {
	Type     EventType
	Position float64
	Duration float64
}

// Device is the media element capability consumed by the controller.
// Implementations must not deliver notifications synchronously from inside
// one of their own method calls.
type Device interface {
	Play() error
	Pause() error
	SeekTo(seconds float64) error
	Position() float64
	Duration() float64
	SetVolume(v float64) error
	SetMuted(muted bool) error

	// Subscribe registers fn for notifications and returns a function that
	// removes the registration.
	Subscribe(fn func(Event)) (cancel func())
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler schedules callbacks on the wall clock.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemScheduler schedules with time.AfterFunc.
type SystemScheduler struct{}

// AfterFunc implements Scheduler.
func (SystemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
