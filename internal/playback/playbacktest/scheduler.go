package playbacktest

import (
	"sync"
	"time"

	"github.com/agleyzer/cuesync/internal/playback"
)

// Scheduler is a playback.Scheduler whose timers only fire when told to.
type Scheduler struct {
	mu     sync.Mutex
	timers []*Timer
}

// Timer is a timer created by Scheduler.
type Timer struct {
	s       *Scheduler
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

// AfterFunc implements playback.Scheduler.
func (s *Scheduler) AfterFunc(d time.Duration, f func()) playback.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Timer{s: s, d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// Stop implements playback.Timer.
func (t *Timer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Duration returns the delay the timer was created with.
func (t *Timer) Duration() time.Duration {
	return t.d
}

// Stopped reports whether Stop cancelled the timer.
func (t *Timer) Stopped() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.stopped
}

// Fire runs the callback on the calling goroutine, even if the timer was
// stopped. Firing a stopped timer reproduces a callback that was already
// running when Stop was called.
func (t *Timer) Fire() {
	t.s.mu.Lock()
	t.fired = true
	f := t.f
	t.s.mu.Unlock()
	f()
}

// Pending returns the timers that were neither stopped nor fired.
func (s *Scheduler) Pending() []*Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Timer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// All returns every timer created so far.
func (s *Scheduler) All() []*Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Timer, len(s.timers))
	copy(out, s.timers)
	return out
}

// Last returns the most recently created timer, or nil.
func (s *Scheduler) Last() *Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil
	}
	return s.timers[len(s.timers)-1]
}
