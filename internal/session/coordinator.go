package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agleyzer/cuesync/internal/parser"
	"github.com/agleyzer/cuesync/internal/playback"
	"github.com/agleyzer/cuesync/internal/telemetry"
)

// DefaultJumpStep is the distance covered by JumpForward and JumpBackward.
const DefaultJumpStep = 10 * time.Second

const sinkSource = "session"

var (
	// ErrNoDocument is returned by segment commands before a document is loaded.
	ErrNoDocument = errors.New("no document loaded")

	// ErrNoSegment is returned for segment indexes outside the document.
	ErrNoSegment = errors.New("no such segment")

	// ErrInvalidVolume is returned for volumes outside [0, 1].
	ErrInvalidVolume = errors.New("volume must be between 0 and 1")

	// ErrInvalidPosition is returned for positions that are not numbers.
	ErrInvalidPosition = errors.New("invalid position")
)

// Options configures a Coordinator.
type Options struct {
	JumpStep     time.Duration
	SafetyMargin time.Duration
	Scheduler    playback.Scheduler
	Sink         telemetry.Sink
	Logger       *slog.Logger
	Publisher    Publisher
}

// Coordinator owns one playback device and exposes continuous and segment
// playback over it. Commands and device events are processed one at a time.
//
// Segment timeout guards fire on the scheduler's goroutine without the
// command lock, so a firing may overlap a command. The controller arms each
// guard with a generation and discards firings from a superseded segment;
// the stop observer only takes mu.
type Coordinator struct {
	// cmd serializes commands and device events.
	cmd sync.Mutex

	// mu guards the fields below. It may be held while reading controller
	// state (mu before ctrl.mu) but never while commanding the controller
	// or calling the device.
	mu          sync.RWMutex
	device      playback.Device
	unsubscribe func()
	doc         *parser.Document
	session     Session

	ctrl      *playback.Controller
	jumpStep  time.Duration
	sink      telemetry.Sink
	logger    *slog.Logger
	publisher Publisher
}

// New creates a Coordinator with no device attached.
func New(opts Options) *Coordinator {
	if opts.JumpStep <= 0 {
		opts.JumpStep = DefaultJumpStep
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Coordinator{
		session:   detached(),
		jumpStep:  opts.JumpStep,
		sink:      telemetry.OrNop(opts.Sink),
		logger:    opts.Logger,
		publisher: opts.Publisher,
	}
	c.ctrl = playback.NewController(nil, playback.Options{
		Scheduler:    opts.Scheduler,
		SafetyMargin: opts.SafetyMargin,
		Sink:         opts.Sink,
		Logger:       opts.Logger,
		OnStop:       c.segmentStopped,
	})
	return c
}

// Attach makes d the session's device, releasing any previous one. The
// session starts from defaults; the loaded document and source are kept.
// Attach(nil) is equivalent to Release.
func (c *Coordinator) Attach(d playback.Device) {
	c.cmd.Lock()
	defer c.cmd.Unlock()

	c.releaseLocked()
	if d == nil {
		return
	}
	c.ctrl.SetDevice(d)
	cancel := d.Subscribe(c.HandleEvent)

	c.mu.Lock()
	c.device = d
	c.unsubscribe = cancel

	s := detached()
	s.ID = c.session.ID
	s.Source = c.session.Source
	s.Attached = true
	s.Duration = d.Duration()
	s.Loaded = s.Duration > 0
	s.CurrentTime = d.Position()
	c.session = s
	c.relocateLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("device attached", "duration", snap.Duration)
	c.publish(snap)
}

// Release detaches the device. Segment playback is cancelled.
func (c *Coordinator) Release() {
	c.cmd.Lock()
	defer c.cmd.Unlock()
	c.releaseLocked()
}

func (c *Coordinator) releaseLocked() {
	c.mu.RLock()
	attached := c.device != nil
	c.mu.RUnlock()
	if !attached {
		return
	}

	c.ctrl.SetDevice(nil)

	c.mu.Lock()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	s := detached()
	s.ID = c.session.ID
	s.Source = c.session.Source
	c.device = nil
	c.unsubscribe = nil
	c.session = s
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("device released")
	c.publish(snap)
}

// LoadSource installs doc as the document for source. When source differs
// from the current one the session gets a new ID and its position, active
// segment and segment playback are reset.
func (c *Coordinator) LoadSource(source string, doc *parser.Document) {
	c.cmd.Lock()
	defer c.cmd.Unlock()

	c.mu.RLock()
	changed := source != c.session.Source || c.session.ID == uuid.Nil
	c.mu.RUnlock()

	if changed {
		c.ctrl.Cancel()
	}

	c.mu.Lock()
	c.doc = doc
	if changed {
		c.session.ID = uuid.New()
		c.session.Source = source
		c.session.CurrentTime = 0
		c.session.Duration = 0
		c.session.Loaded = false
		c.session.ActiveSegment = playback.NoSegment
	}
	moved := c.relocateLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if changed {
		c.logger.Info("source loaded",
			"source", source,
			"session", snap.ID.String(),
			"segments", doc.Len(),
			"recovery", doc.Recovery().String())
	}
	if changed || moved {
		c.publish(snap)
	}
}

// State returns a snapshot of the session.
func (c *Coordinator) State() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Document returns the loaded document, or nil.
func (c *Coordinator) Document() *parser.Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.doc
}

// PlayPause toggles the playing segment when one is active, and continuous
// playback otherwise.
func (c *Coordinator) PlayPause() error {
	c.cmd.Lock()
	defer c.cmd.Unlock()

	d, err := c.requireDevice("play/pause")
	if err != nil {
		return err
	}

	handled, err := c.ctrl.TogglePause()
	if handled {
		if err != nil {
			return err
		}
		c.mu.Lock()
		snap := c.snapshotLocked()
		c.session.Playing = snap.Segment.Active && !snap.Segment.Paused
		snap.Playing = c.session.Playing
		c.mu.Unlock()
		c.publish(snap)
		return nil
	}

	c.mu.RLock()
	playing := c.session.Playing
	c.mu.RUnlock()

	if playing {
		err = d.Pause()
	} else {
		err = d.Play()
	}
	if err != nil {
		return c.deviceError("play/pause", err)
	}

	c.mu.Lock()
	c.session.Playing = !playing
	c.mu.Unlock()
	return nil
}

// Seek cancels segment playback and moves the playhead. Positions are
// clamped to the media.
func (c *Coordinator) Seek(seconds float64) error {
	c.cmd.Lock()
	defer c.cmd.Unlock()

	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return fmt.Errorf("seek to %v: %w", seconds, ErrInvalidPosition)
	}
	d, err := c.requireDevice("seek")
	if err != nil {
		return err
	}
	return c.seekLocked(d, seconds)
}

// JumpForward seeks one jump step ahead of the device position.
func (c *Coordinator) JumpForward() error {
	return c.jump(c.jumpStep.Seconds())
}

// JumpBackward seeks one jump step behind the device position.
func (c *Coordinator) JumpBackward() error {
	return c.jump(-c.jumpStep.Seconds())
}

func (c *Coordinator) jump(delta float64) error {
	c.cmd.Lock()
	defer c.cmd.Unlock()

	d, err := c.requireDevice("jump")
	if err != nil {
		return err
	}
	return c.seekLocked(d, d.Position()+delta)
}

func (c *Coordinator) seekLocked(d playback.Device, seconds float64) error {
	c.mu.RLock()
	duration := c.session.Duration
	c.mu.RUnlock()

	if seconds < 0 {
		seconds = 0
	}
	if duration > 0 && seconds > duration {
		seconds = duration
	}

	c.ctrl.Cancel()
	if err := d.SeekTo(seconds); err != nil {
		return c.deviceError("seek", err)
	}

	c.mu.Lock()
	c.session.CurrentTime = seconds
	moved := c.relocateLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if moved {
		c.publish(snap)
	}
	return nil
}

// SetVolume sets the device volume. It never affects playback mode.
func (c *Coordinator) SetVolume(v float64) error {
	c.cmd.Lock()
	defer c.cmd.Unlock()

	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("set volume %v: %w", v, ErrInvalidVolume)
	}
	d, err := c.requireDevice("set volume")
	if err != nil {
		return err
	}
	if err := d.SetVolume(v); err != nil {
		return c.deviceError("set volume", err)
	}

	c.mu.Lock()
	c.session.Volume = v
	c.mu.Unlock()
	return nil
}

// SetMuted mutes or unmutes the device. It never affects playback mode.
func (c *Coordinator) SetMuted(muted bool) error {
	c.cmd.Lock()
	defer c.cmd.Unlock()

	d, err := c.requireDevice("set muted")
	if err != nil {
		return err
	}
	if err := d.SetMuted(muted); err != nil {
		return c.deviceError("set muted", err)
	}

	c.mu.Lock()
	c.session.Muted = muted
	c.mu.Unlock()
	return nil
}

// PlaySegment plays segment i of the loaded document and stops at its end.
func (c *Coordinator) PlaySegment(i int) error {
	c.cmd.Lock()
	defer c.cmd.Unlock()

	c.mu.RLock()
	doc := c.doc
	c.mu.RUnlock()

	if doc == nil {
		return ErrNoDocument
	}
	seg, ok := doc.Segment(i)
	if !ok {
		return fmt.Errorf("segment %d of %d: %w", i, doc.Len(), ErrNoSegment)
	}

	if err := c.ctrl.PlaySegment(i, seg); err != nil {
		return err
	}

	c.mu.Lock()
	c.session.Playing = true
	c.session.CurrentTime = seg.StartTime.Or(0)
	c.relocateLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(snap)
	return nil
}

// Stop cancels segment playback and pauses the device.
func (c *Coordinator) Stop() error {
	c.cmd.Lock()
	defer c.cmd.Unlock()

	d, err := c.requireDevice("stop")
	if err != nil {
		return err
	}

	c.ctrl.Cancel()
	if err := d.Pause(); err != nil {
		return c.deviceError("stop", err)
	}

	c.mu.Lock()
	c.session.Playing = false
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(snap)
	return nil
}

// HandleEvent applies a device notification. Attach subscribes it to the
// device; it must not be called from inside a device method.
func (c *Coordinator) HandleEvent(ev playback.Event) {
	c.cmd.Lock()
	defer c.cmd.Unlock()

	c.mu.RLock()
	d := c.device
	c.mu.RUnlock()
	if d == nil {
		return
	}

	// Events are delivered after the fact. The device is read again here so
	// a notification queued before the last command is not acted upon.
	switch ev.Type {
	case playback.EventPositionChanged:
		pos, dur := d.Position(), d.Duration()
		c.mu.Lock()
		c.session.CurrentTime = pos
		if dur > 0 {
			c.session.Duration = dur
		}
		moved := c.relocateLocked()
		c.mu.Unlock()

		c.ctrl.HandlePosition(pos)
		if moved {
			c.publish(c.State())
		}

	case playback.EventStarted:
		c.mu.Lock()
		c.session.Playing = true
		c.mu.Unlock()

	case playback.EventPaused:
		c.mu.Lock()
		c.session.Playing = false
		c.mu.Unlock()

	case playback.EventEnded:
		if pos, dur := d.Position(), d.Duration(); dur > 0 && pos < dur {
			c.logger.Debug("ignoring stale end of media", "position", pos, "duration", dur)
			return
		}
		c.ctrl.HandleEnded()

		c.mu.Lock()
		c.session.Playing = false
		c.session.CurrentTime = 0
		c.session.ActiveSegment = playback.NoSegment
		snap := c.snapshotLocked()
		c.mu.Unlock()

		c.logger.Debug("media ended")
		c.publish(snap)

	case playback.EventMetadataLoaded:
		c.mu.Lock()
		c.session.Duration = ev.Duration
		c.session.Loaded = true
		c.mu.Unlock()
	}
}

// segmentStopped is the controller's stop observer. It may run on a timer
// goroutine, so it only takes mu.
func (c *Coordinator) segmentStopped(seg int, reason playback.StopReason) {
	c.mu.Lock()
	if reason == playback.StopReachedEnd || reason == playback.StopTimeout {
		c.session.Playing = false
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Debug("segment stopped", "segment", seg, "reason", reason.String())
	c.publish(snap)
}

// relocateLocked recomputes the active segment from the current time and
// reports whether it changed.
func (c *Coordinator) relocateLocked() bool {
	idx := playback.NoSegment
	if i, ok := c.doc.ActiveSegment(c.session.CurrentTime); ok {
		idx = i
	}
	changed := idx != c.session.ActiveSegment
	c.session.ActiveSegment = idx
	return changed
}

func (c *Coordinator) snapshotLocked() Session {
	s := c.session
	s.Segments = c.doc.Len()
	s.Segment = segmentState(c.ctrl.State())
	return s
}

func (c *Coordinator) publish(s Session) {
	if c.publisher != nil {
		c.publisher.Publish(s)
	}
}

func (c *Coordinator) requireDevice(op string) (playback.Device, error) {
	c.mu.RLock()
	d := c.device
	c.mu.RUnlock()
	if d == nil {
		c.sink.Record("no playback device attached", telemetry.SeverityWarn, telemetry.Meta{
			Source:  sinkSource,
			Details: map[string]any{"op": op},
		})
		return nil, fmt.Errorf("%s: %w", op, playback.ErrDeviceUnavailable)
	}
	return d, nil
}

func (c *Coordinator) deviceError(op string, err error) error {
	c.sink.Record("device command failed", telemetry.SeverityError, telemetry.Meta{
		Source:  sinkSource,
		Details: map[string]any{"op": op, "error": err.Error()},
	})
	return fmt.Errorf("%s: %w", op, err)
}
