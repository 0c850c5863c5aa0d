// Package simdevice provides a clock-driven playback device that plays
// silent media of a given duration.
package simdevice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/agleyzer/cuesync/internal/playback"
)

// DefaultInterval is the default position update interval.
const DefaultInterval = 250 * time.Millisecond

// ErrNotLoaded is returned by Play before any media is loaded.
var ErrNotLoaded = errors.New("no media loaded")

// Device is a simulated playback.Device. Position advances only while Run
// is ticking or Advance is called. Notifications are queued by the device
// methods and delivered by Run (or Deliver), never from inside a method call.
type Device struct {
	mu        sync.Mutex
	interval  time.Duration
	position  float64
	duration  float64
	volume    float64
	muted     bool
	playing   bool
	pending   []playback.Event
	nextID    int
	listeners map[int]func(playback.Event)
	wake      chan struct{}
	logger    *slog.Logger
}

// New creates a device with nothing loaded.
func New(interval time.Duration, logger *slog.Logger) *Device {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Device{
		interval:  interval,
		volume:    1,
		listeners: make(map[int]func(playback.Event)),
		wake:      make(chan struct{}, 1),
		logger:    logger,
	}
}

// Load replaces the media with silence of the given length in seconds.
func (d *Device) Load(duration float64) error {
	if duration <= 0 {
		return fmt.Errorf("media duration must be positive, got %v", duration)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.duration = duration
	d.position = 0
	d.playing = false
	d.emitLocked(playback.EventMetadataLoaded)

	d.logger.Info("media loaded", "duration", duration)
	return nil
}

// Play implements playback.Device. Playing at the end of the media restarts
// from the beginning.
func (d *Device) Play() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.duration <= 0 {
		return ErrNotLoaded
	}
	if d.position >= d.duration {
		d.position = 0
	}
	if !d.playing {
		d.playing = true
		d.emitLocked(playback.EventStarted)
	}
	return nil
}

// Pause implements playback.Device.
func (d *Device) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.playing {
		d.playing = false
		d.emitLocked(playback.EventPaused)
	}
	return nil
}

// SeekTo implements playback.Device. The position is clamped to the media.
func (d *Device) SeekTo(seconds float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.duration <= 0 {
		return ErrNotLoaded
	}
	d.position = clamp(seconds, 0, d.duration)
	d.emitLocked(playback.EventPositionChanged)
	return nil
}

// Position implements playback.Device.
func (d *Device) Position() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.position
}

// Duration implements playback.Device.
func (d *Device) Duration() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duration
}

// SetVolume implements playback.Device.
func (d *Device) SetVolume(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("volume %v out of range", v)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volume = v
	return nil
}

// SetMuted implements playback.Device.
func (d *Device) SetMuted(muted bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muted = muted
	return nil
}

// Subscribe implements playback.Device.
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

// Advance moves the playhead forward by elapsed if playing. Reaching the
// end of the media stops playback and queues an ended notification.
func (d *Device) Advance(elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.playing {
		return
	}

	d.position += elapsed.Seconds()
	if d.position >= d.duration {
		d.position = d.duration
		d.playing = false
		d.emitLocked(playback.EventPositionChanged)
		d.emitLocked(playback.EventEnded)
		return
	}
	d.emitLocked(playback.EventPositionChanged)
}

// Deliver sends queued notifications to the subscribers on the calling
// goroutine, in order.
func (d *Device) Deliver() {
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.pending[0]
		d.pending = d.pending[1:]
		fns := make([]func(playback.Event), 0, len(d.listeners))
		for _, fn := range d.listeners {
			fns = append(fns, fn)
		}
		d.mu.Unlock()

		for _, fn := range fns {
			fn(ev)
		}
	}
}

// Run advances the playhead every interval and delivers notifications until
// ctx is cancelled.
func (d *Device) Run(ctx context.Context) {
	d.logger.Info("starting device clock", "interval", d.interval)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("stopping device clock")
			return
		case <-ticker.C:
			d.Advance(d.interval)
			d.Deliver()
		case <-d.wake:
			d.Deliver()
		}
	}
}

// GetStats returns current statistics about the device.
func (d *Device) GetStats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	return map[string]interface{}{
		"playing":  d.playing,
		"position": d.position,
		"duration": d.duration,
		"volume":   d.volume,
		"muted":    d.muted,
		"queued":   len(d.pending),
	}
}

// emitLocked queues a notification with the current position.
// Caller must hold the lock.
func (d *Device) emitLocked(t playback.EventType) {
	d.pending = append(d.pending, playback.Event{Type: t, Position: d.position, Duration: d.duration})
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
