// Package playbacktest provides a scripted device and a manual scheduler for
// exercising playback code deterministically.
package playbacktest

import (
	"fmt"
	"sync"

	"github.com/agleyzer/cuesync/internal/playback"
)

// Device is an in-memory playback.Device that records every call.
// Notifications are only delivered when the test calls Emit.
type Device struct {
	mu        sync.Mutex
	calls     []string
	position  float64
	duration  float64
	volume    float64
	muted     bool
	playing   bool
	nextID    int
	listeners map[int]func(playback.Event)

	// PlayErr, when set, is returned by Play.
	PlayErr error
	// SeekErr, when set, is returned by SeekTo.
	SeekErr error
}

// NewDevice returns a paused device with media of the given duration.
func NewDevice(duration float64) *Device {
	return &Device{
		duration:  duration,
		volume:    1,
		listeners: make(map[int]func(playback.Event)),
	}
}

func (d *Device) Play() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "play")
	if d.PlayErr != nil {
		return d.PlayErr
	}
	d.playing = true
	return nil
}

func (d *Device) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "pause")
	d.playing = false
	return nil
}

func (d *Device) SeekTo(seconds float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf("seek %.3f", seconds))
	if d.SeekErr != nil {
		return d.SeekErr
	}
	d.position = seconds
	return nil
}

func (d *Device) Position() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.position
}

func (d *Device) Duration() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duration
}

func (d *Device) SetVolume(v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf("volume %.2f", v))
	d.volume = v
	return nil
}

func (d *Device) SetMuted(muted bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf("muted %t", muted))
	d.muted = muted
	return nil
}

func (d *Device) Subscribe(fn func(playback.Event)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

// SetPosition moves the playhead without recording a call.
func (d *Device) SetPosition(pos float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.position = pos
}

// Emit delivers ev to every subscriber on the calling goroutine.
func (d *Device) Emit(ev playback.Event) {
	d.mu.Lock()
	fns := make([]func(playback.Event), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// EmitPosition moves the playhead and emits a position change.
func (d *Device) EmitPosition(pos float64) {
	d.SetPosition(pos)
	d.Emit(playback.Event{Type: playback.EventPositionChanged, Position: pos, Duration: d.Duration()})
}

// Calls returns the recorded calls in order.
func (d *Device) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

// ResetCalls clears the call log.
func (d *Device) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

// Playing reports whether the device is playing.
func (d *Device) Playing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playing
}

// Volume returns the last volume set.
func (d *Device) Volume() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volume
}

// Muted returns the last mute state set.
func (d *Device) Muted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.muted
}

// Subscribers returns the number of registered listeners.
func (d *Device) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}
