package playback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/agleyzer/cuesync/internal/segment"
	"github.com/agleyzer/cuesync/internal/telemetry"
)

// NoSegment is the segment index reported while no segment is playing.
const NoSegment = -1

// DefaultSafetyMargin is added to the segment length to form the timeout guard.
const DefaultSafetyMargin = 500 * time.Millisecond

const (
	sinkSource      = "playback"
	guardSinkSource = "playback.guard"
)

var (
	// ErrDeviceUnavailable is returned when a command needs a device and
	// none is attached.
	ErrDeviceUnavailable = errors.New("playback device unavailable")

	// ErrInvalidSegment is returned for segments without a usable time range.
	ErrInvalidSegment = errors.New("segment has no playable time range")
)

// Mode is the segment playback mode.
type Mode int

const (
	ModeIdle Mode = iota
	ModePlaying
	ModePaused
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModePlaying:
		return "playing"
	case ModePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// State is a snapshot of segment playback. When Mode is ModeIdle, Segment
// is NoSegment and EndSeconds is zero.
type State struct {
	Mode       Mode
	Segment    int
	EndSeconds float64
}

// Active reports whether a segment is playing or paused.
func (s State) Active() bool {
	return s.Mode != ModeIdle
}

func idle() State {
	return State{Mode: ModeIdle, Segment: NoSegment}
}

// StopReason explains why segment playback ended.
type StopReason int

const (
	// StopReachedEnd means the position watch saw the segment end.
	StopReachedEnd StopReason = iota
	// StopTimeout means the wall-clock guard fired first.
	StopTimeout
	// StopCancelled means a newer command replaced segment playback.
	StopCancelled
	// StopEnded means the media itself ended.
	StopEnded
)

// String returns the reason name.
func (r StopReason) String() string {
	switch r {
	case StopReachedEnd:
		return "reached-end"
	case StopTimeout:
		return "timeout"
	case StopCancelled:
		return "cancelled"
	case StopEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Options configures a Controller.
type Options struct {
	// Scheduler runs the timeout guard. Defaults to SystemScheduler.
	Scheduler Scheduler
	// SafetyMargin is added to the segment length for the timeout guard.
	// Defaults to DefaultSafetyMargin.
	SafetyMargin time.Duration
	Sink         telemetry.Sink
	Logger       *slog.Logger
	// OnStop is called, without any controller lock held, after segment
	// playback stops for any reason.
	OnStop func(segment int, reason StopReason)
}

// guard is the armed stop guard pair for one segment: the position watch
// (end) and the timeout timer. timer is nil while the segment is paused.
type guard struct {
	generation uint64
	segment    int
	end        float64
	timer      Timer
}

// Controller plays single segments on a device and stops them at their end.
// At most one guard pair is armed at any time; every state-changing command
// disarms it synchronously before acting.
type Controller struct {
	mu         sync.Mutex
	device     Device
	sched      Scheduler
	margin     time.Duration
	sink       telemetry.Sink
	logger     *slog.Logger
	onStop     func(int, StopReason)
	state      State
	guard      *guard
	generation uint64
}

// NewController creates a Controller. device may be nil until SetDevice.
func NewController(device Device, opts Options) *Controller {
	if opts.Scheduler == nil {
		opts.Scheduler = SystemScheduler{}
	}
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = DefaultSafetyMargin
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Controller{
		device: device,
		sched:  opts.Scheduler,
		margin: opts.SafetyMargin,
		sink:   telemetry.OrNop(opts.Sink),
		logger: opts.Logger,
		onStop: opts.OnStop,
		state:  idle(),
	}
}

// GuardTimeout returns the wall-clock guard for a window of the given
// length in seconds: length*1000 ms plus margin.
func GuardTimeout(seconds float64, margin time.Duration) time.Duration {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	return time.Duration(math.Round(seconds*1000))*time.Millisecond + margin
}

// State returns the current segment playback state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ArmedSegment returns the segment whose guards are armed, if any.
func (c *Controller) ArmedSegment() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.guard == nil {
		return NoSegment, false
	}
	return c.guard.segment, true
}

// SetDevice replaces the device. Any segment playback on the old device is
// cancelled first.
func (c *Controller) SetDevice(d Device) {
	c.mu.Lock()
	prev := c.disarmLocked()
	c.device = d
	c.mu.Unlock()

	c.notify(prev, StopCancelled)
}

// PlaySegment seeks to the start of seg, starts playback and arms the stop
// guards. Any previous segment playback is cancelled first.
func (c *Controller) PlaySegment(index int, seg segment.Segment) error {
	c.mu.Lock()
	prev := c.disarmLocked()

	if c.device == nil {
		c.mu.Unlock()
		c.notify(prev, StopCancelled)
		c.unavailable("play segment")
		return ErrDeviceUnavailable
	}

	start := seg.StartTime.Or(0)
	end := seg.EndTime.Seconds
	if !seg.EndTime.Valid || end <= start {
		c.mu.Unlock()
		c.notify(prev, StopCancelled)
		c.sink.Record("segment has no playable range", telemetry.SeverityWarn, telemetry.Meta{
			Source:  sinkSource,
			Details: map[string]any{"segment": index, "start": seg.StartTime.String(), "end": seg.EndTime.String()},
		})
		return fmt.Errorf("segment %d: %w", index, ErrInvalidSegment)
	}

	if err := c.device.SeekTo(start); err != nil {
		c.mu.Unlock()
		c.notify(prev, StopCancelled)
		c.deviceError("seek failed", index, err)
		return fmt.Errorf("seek to segment %d: %w", index, err)
	}

	if err := c.device.Play(); err != nil {
		c.mu.Unlock()
		c.notify(prev, StopCancelled)
		c.deviceError("play rejected", index, err)
		return fmt.Errorf("play segment %d: %w", index, err)
	}

	c.generation++
	g := &guard{generation: c.generation, segment: index, end: end}
	g.timer = c.sched.AfterFunc(GuardTimeout(end-start, c.margin), c.timeoutFunc(g.generation, index))
	c.guard = g
	c.state = State{Mode: ModePlaying, Segment: index, EndSeconds: end}
	c.mu.Unlock()

	c.notify(prev, StopCancelled)
	c.logger.Debug("segment playback started", "segment", index, "start", start, "end", end)
	return nil
}

// TogglePause pauses or resumes the playing segment. It returns false when
// no segment is active, leaving continuous play/pause to the caller.
//
// Pausing suspends the timeout guard; resuming re-arms it for the rest of
// the segment. The guard pair stays armed throughout.
func (c *Controller) TogglePause() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.guard
	switch {
	case c.state.Mode == ModeIdle || g == nil:
		return false, nil

	case c.state.Mode == ModePlaying:
		if err := c.device.Pause(); err != nil {
			c.deviceError("pause failed", g.segment, err)
			return true, fmt.Errorf("pause segment %d: %w", g.segment, err)
		}
		if g.timer != nil {
			g.timer.Stop()
			g.timer = nil
		}
		c.state.Mode = ModePaused
		return true, nil

	default:
		pos := c.device.Position()
		if err := c.device.Play(); err != nil {
			c.deviceError("resume rejected", g.segment, err)
			return true, fmt.Errorf("resume segment %d: %w", g.segment, err)
		}
		g.timer = c.sched.AfterFunc(GuardTimeout(g.end-pos, c.margin), c.timeoutFunc(g.generation, g.segment))
		c.state.Mode = ModePlaying
		return true, nil
	}
}

// HandlePosition is the position watch. It stops playback once pos reaches
// the end of the playing segment.
func (c *Controller) HandlePosition(pos float64) {
	c.mu.Lock()
	g := c.guard
	if c.state.Mode != ModePlaying || g == nil || pos < g.end {
		c.mu.Unlock()
		return
	}
	seg := c.stopLocked()
	c.mu.Unlock()

	c.logger.Debug("segment end reached", "segment", seg, "position", pos)
	c.notify(seg, StopReachedEnd)
}

// HandleEnded resets segment playback when the media ends.
func (c *Controller) HandleEnded() {
	c.mu.Lock()
	prev := c.disarmLocked()
	c.mu.Unlock()

	c.notify(prev, StopEnded)
}

// Cancel disarms the guards and returns to idle without touching the device.
// It reports whether a segment was active.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	prev := c.disarmLocked()
	c.mu.Unlock()

	c.notify(prev, StopCancelled)
	return prev != NoSegment
}

func (c *Controller) timeoutFunc(generation uint64, index int) func() {
	return func() {
		c.mu.Lock()
		if c.guard == nil || c.guard.generation != generation {
			c.mu.Unlock()
			c.sink.Record("stale guard fired", telemetry.SeverityWarn, telemetry.Meta{
				Source:  guardSinkSource,
				Details: map[string]any{"segment": index, "generation": generation},
			})
			return
		}
		c.guard.timer = nil
		seg := c.stopLocked()
		c.mu.Unlock()

		c.logger.Debug("segment timeout guard fired", "segment", seg)
		c.notify(seg, StopTimeout)
	}
}

// stopLocked pauses the device and returns to idle. It returns the index of
// the segment that was playing.
func (c *Controller) stopLocked() int {
	seg := c.disarmLocked()
	if c.device != nil {
		if err := c.device.Pause(); err != nil {
			c.deviceError("pause at segment end failed", seg, err)
		}
	}
	return seg
}

// disarmLocked stops the guard pair and resets to idle. It returns the index
// of the segment that was active, or NoSegment.
func (c *Controller) disarmLocked() int {
	prev := NoSegment
	if c.guard != nil {
		prev = c.guard.segment
		if c.guard.timer != nil {
			c.guard.timer.Stop()
		}
		c.guard = nil
	}
	c.state = idle()
	return prev
}

func (c *Controller) notify(seg int, reason StopReason) {
	if seg == NoSegment {
		return
	}
	c.logger.Debug("segment playback stopped", "segment", seg, "reason", reason.String())
	if c.onStop != nil {
		c.onStop(seg, reason)
	}
}

func (c *Controller) unavailable(op string) {
	c.sink.Record("no playback device attached", telemetry.SeverityWarn, telemetry.Meta{
		Source:  sinkSource,
		Details: map[string]any{"op": op},
	})
}

func (c *Controller) deviceError(msg string, seg int, err error) {
	c.sink.Record(msg, telemetry.SeverityError, telemetry.Meta{
		Source:  sinkSource,
		Details: map[string]any{"segment": seg, "error": err.Error()},
	})
}
