// Package telemetry defines the diagnostic sink used for recovery notices
// and playback errors.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
)

// Severity ranks a recorded event.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

// String returns the lower-case severity name.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Meta identifies where an event came from and carries free-form details.
type Meta struct {
	Source  string
	Details map[string]any
}

// Sink receives structured diagnostic events. Implementations must not
// block and must be safe for concurrent use.
type Sink interface {
	Record(msg string, sev Severity, meta Meta)
}

// Nop discards everything.
var Nop Sink = nopSink{}

type nopSink struct{}

func (nopSink) Record(string, Severity, Meta) {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}

// slogSink forwards events to a slog.Logger.
type slogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a Sink that logs through logger.
func NewSlogSink(logger *slog.Logger) Sink {
	return &slogSink{logger: logger}
}

func (s *slogSink) Record(msg string, sev Severity, meta Meta) {
	attrs := make([]any, 0, 2+2*len(meta.Details))
	if meta.Source != "" {
		attrs = append(attrs, "source", meta.Source)
	}
	for k, v := range meta.Details {
		attrs = append(attrs, k, v)
	}
	s.logger.Log(context.Background(), level(sev), msg, attrs...)
}

func level(sev Severity) slog.Level {
	switch sev {
	case SeverityDebug:
		return slog.LevelDebug
	case SeverityWarn:
		return slog.LevelWarn
	case SeverityError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Entry is one event captured by a Buffer.
type Entry struct {
	Message  string
	Severity Severity
	Meta     Meta
}

// Buffer keeps recorded events in memory.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
}

// Record implements Sink.
func (b *Buffer) Record(msg string, sev Severity, meta Meta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, Entry{Message: msg, Severity: sev, Meta: meta})
}

// Entries returns a copy of everything recorded so far.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Count returns how many events were recorded with the given source.
func (b *Buffer) Count(source string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.entries {
		if e.Meta.Source == source {
			n++
		}
	}
	return n
}
