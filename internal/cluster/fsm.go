// Package cluster replicates the playback session cursor to read-only
// replicas with Raft.
package cluster

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/cuesync/internal/playback"
)

func init() {
	// Register types for gob encoding/decoding
	gob.Register(InitializeCommand{})
	gob.Register(ChangeSourceCommand{})
	gob.Register(UpdateCursorCommand{})
}

// ErrStaleSession is returned by the FSM for cursor updates that belong to a
// session other than the current one.
var ErrStaleSession = errors.New("cursor update for superseded session")

// CursorState is the replicated view of the playback session.
type CursorState struct {
	// SessionID identifies the session; it changes with every source.
	SessionID string `json:"sessionId"`
	// Source is the audio source identity.
	Source string `json:"source"`
	// SegmentCount is the number of segments in the source's document.
	SegmentCount int `json:"segmentCount"`
	// ActiveSegment is the segment containing the position, or -1.
	ActiveSegment int `json:"activeSegment"`
	// PlayingSegment is the segment under segment playback, or -1.
	PlayingSegment int `json:"playingSegment"`
	// SegmentPaused is set while segment playback is paused.
	SegmentPaused bool `json:"segmentPaused"`
	// Position is the playhead in seconds.
	Position float64 `json:"position"`
	// Version is incremented by every applied change.
	Version uint64 `json:"version"`
}

func emptyCursor() CursorState {
	return CursorState{
		ActiveSegment:  playback.NoSegment,
		PlayingSegment: playback.NoSegment,
	}
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandInitialize replaces the FSM state.
	CommandInitialize CommandType = 1
	// CommandChangeSource starts a new session.
	CommandChangeSource CommandType = 2
	// CommandUpdateCursor moves the cursor within the current session.
	CommandUpdateCursor CommandType = 3
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// InitializeCommand sets the initial state.
type InitializeCommand struct {
	State CursorState
}

// ChangeSourceCommand starts a new session with a reset cursor.
type ChangeSourceCommand struct {
	SessionID    string
	Source       string
	SegmentCount int
}

// UpdateCursorCommand updates the cursor of SessionID.
type UpdateCursorCommand struct {
	SessionID      string
	ActiveSegment  int
	PlayingSegment int
	SegmentPaused  bool
	Position       float64
}

// SessionFSM implements the raft.FSM interface for the session cursor.
type SessionFSM struct {
	mu     sync.RWMutex
	state  CursorState
	logger *slog.Logger
}

// NewSessionFSM creates a new SessionFSM.
func NewSessionFSM(logger *slog.Logger) *SessionFSM {
	return &SessionFSM{
		state:  emptyCursor(),
		logger: logger,
	}
}

// Apply applies a Raft log entry to the FSM.
func (f *SessionFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Type {
	case CommandInitialize:
		return f.applyInitialize(cmd.Data)
	case CommandChangeSource:
		return f.applyChangeSource(cmd.Data)
	case CommandUpdateCursor:
		return f.applyUpdateCursor(cmd.Data)
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

// applyInitialize sets the FSM state.
func (f *SessionFSM) applyInitialize(data any) any {
	initCmd, ok := data.(InitializeCommand)
	if !ok {
		return fmt.Errorf("invalid initialize command data")
	}

	f.state = initCmd.State
	f.logger.Info("initialized FSM state", "session", f.state.SessionID, "segments", f.state.SegmentCount)
	return nil
}

// applyChangeSource resets the cursor for a new session.
func (f *SessionFSM) applyChangeSource(data any) any {
	srcCmd, ok := data.(ChangeSourceCommand)
	if !ok {
		return fmt.Errorf("invalid change source command data")
	}

	next := emptyCursor()
	next.SessionID = srcCmd.SessionID
	next.Source = srcCmd.Source
	next.SegmentCount = srcCmd.SegmentCount
	next.Version = f.state.Version + 1
	f.state = next

	f.logger.Info("source changed", "session", next.SessionID, "source", next.Source, "segments", next.SegmentCount)
	return nil
}

// applyUpdateCursor moves the cursor. Updates for another session are
// rejected so a late update cannot leak into the next source.
func (f *SessionFSM) applyUpdateCursor(data any) any {
	curCmd, ok := data.(UpdateCursorCommand)
	if !ok {
		return fmt.Errorf("invalid update cursor command data")
	}

	if curCmd.SessionID != f.state.SessionID {
		f.logger.Debug("ignored cursor update", "session", curCmd.SessionID, "current", f.state.SessionID)
		return ErrStaleSession
	}

	f.state.ActiveSegment = curCmd.ActiveSegment
	f.state.PlayingSegment = curCmd.PlayingSegment
	f.state.SegmentPaused = curCmd.SegmentPaused
	f.state.Position = curCmd.Position
	f.state.Version++

	f.logger.Debug("cursor updated", "active", f.state.ActiveSegment, "playing", f.state.PlayingSegment, "version", f.state.Version)
	return nil
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *SessionFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return &fsmSnapshot{state: f.state}, nil
}

// Restore restores the FSM state from a snapshot.
func (f *SessionFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state CursorState
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()

	f.logger.Info("restored FSM state from snapshot", "session", state.SessionID, "version", state.Version)
	return nil
}

// GetState returns a copy of the current FSM state.
func (f *SessionFSM) GetState() CursorState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state CursorState
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
