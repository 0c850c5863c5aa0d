package simdevice

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/agleyzer/cuesync/internal/playback"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type collector struct {
	mu     sync.Mutex
	events []playback.Event
}

func (c *collector) add(ev playback.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) types() []playback.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]playback.EventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func TestDevice_QueuesNotifications(t *testing.T) {
	d := New(time.Second, testLogger())
	var c collector
	d.Subscribe(c.add)

	if err := d.Load(30); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	d.Play()

	if got := c.types(); len(got) != 0 {
		t.Fatalf("events delivered synchronously: %v", got)
	}

	d.Deliver()

	want := []playback.EventType{playback.EventMetadataLoaded, playback.EventStarted}
	got := c.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDevice_Advance(t *testing.T) {
	d := New(time.Second, testLogger())
	d.Load(2)

	d.Advance(time.Second)
	if d.Position() != 0 {
		t.Errorf("paused device advanced to %v", d.Position())
	}

	d.Play()
	d.Advance(500 * time.Millisecond)
	if d.Position() != 0.5 {
		t.Errorf("Position() = %v, want 0.5", d.Position())
	}

	d.Deliver()
	var c collector
	d.Subscribe(c.add)
	d.Advance(2 * time.Second)
	d.Deliver()

	if d.Position() != 2 {
		t.Errorf("Position() = %v, want clamped to 2", d.Position())
	}
	got := c.types()
	if len(got) != 2 || got[0] != playback.EventPositionChanged || got[1] != playback.EventEnded {
		t.Errorf("events at end = %v", got)
	}
	if stats := d.GetStats(); stats["playing"] != false {
		t.Error("device should stop at end of media")
	}

	// Playing again restarts from the beginning.
	d.Play()
	if d.Position() != 0 {
		t.Errorf("Position() after replay = %v, want 0", d.Position())
	}
}

func TestDevice_SeekClamps(t *testing.T) {
	tests := []struct {
		seek float64
		want float64
	}{
		{seek: -5, want: 0},
		{seek: 4.25, want: 4.25},
		{seek: 99, want: 10},
	}

	d := New(time.Second, testLogger())
	d.Load(10)
	for _, tt := range tests {
		if err := d.SeekTo(tt.seek); err != nil {
			t.Fatalf("SeekTo(%v) failed: %v", tt.seek, err)
		}
		if got := d.Position(); got != tt.want {
			t.Errorf("SeekTo(%v) position = %v, want %v", tt.seek, got, tt.want)
		}
	}
}

func TestDevice_NotLoaded(t *testing.T) {
	d := New(0, testLogger())

	if err := d.Play(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Play() err = %v, want ErrNotLoaded", err)
	}
	if err := d.SeekTo(1); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("SeekTo() err = %v, want ErrNotLoaded", err)
	}
	if err := d.Load(0); err == nil {
		t.Error("Load(0) should fail")
	}
	if err := d.SetVolume(2); err == nil {
		t.Error("SetVolume(2) should fail")
	}
}

func TestDevice_Unsubscribe(t *testing.T) {
	d := New(time.Second, testLogger())
	var c collector
	cancel := d.Subscribe(c.add)
	cancel()

	d.Load(5)
	d.Deliver()

	if len(c.types()) != 0 {
		t.Error("unsubscribed listener received events")
	}
}

func TestDevice_Run(t *testing.T) {
	d := New(10*time.Millisecond, testLogger())
	ended := make(chan struct{})
	var once sync.Once
	d.Subscribe(func(ev playback.Event) {
		if ev.Type == playback.EventEnded {
			once.Do(func() { close(ended) })
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Load(0.05)
	d.Play()

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("device never reached the end of media")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
