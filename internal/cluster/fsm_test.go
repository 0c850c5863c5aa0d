package cluster

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hashicorp/raft"
)

func newTestFSM() *SessionFSM {
	return NewSessionFSM(slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil)))
}

func mustEncode(t *testing.T, cmd Command) []byte {
	t.Helper()
	data, err := EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("failed to encode command: %v", err)
	}
	return data
}

func TestSessionFSM_InitialState(t *testing.T) {
	state := newTestFSM().GetState()

	if state.ActiveSegment != -1 || state.PlayingSegment != -1 {
		t.Errorf("initial cursor = %+v, want no segments", state)
	}
	if state.SessionID != "" || state.Version != 0 {
		t.Errorf("initial cursor = %+v, want empty session", state)
	}
}

func TestSessionFSM_Apply_ChangeSourceAndCursor(t *testing.T) {
	fsm := newTestFSM()

	fsm.Apply(&raft.Log{Data: mustEncode(t, Command{
		Type: CommandChangeSource,
		Data: ChangeSourceCommand{SessionID: "s1", Source: "a.mp3", SegmentCount: 4},
	})})

	tests := []struct {
		name        string
		cmd         UpdateCursorCommand
		wantErr     error
		wantActive  int
		wantVersion uint64
	}{
		{
			name:        "position inside a segment",
			cmd:         UpdateCursorCommand{SessionID: "s1", ActiveSegment: 1, PlayingSegment: -1, Position: 4.5},
			wantActive:  1,
			wantVersion: 2,
		},
		{
			name:        "segment playback",
			cmd:         UpdateCursorCommand{SessionID: "s1", ActiveSegment: 2, PlayingSegment: 2, Position: 7},
			wantActive:  2,
			wantVersion: 3,
		},
		{
			name:        "stale session rejected",
			cmd:         UpdateCursorCommand{SessionID: "old", ActiveSegment: 0, PlayingSegment: 0},
			wantErr:     ErrStaleSession,
			wantActive:  2,
			wantVersion: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := fsm.Apply(&raft.Log{Data: mustEncode(t, Command{Type: CommandUpdateCursor, Data: tt.cmd})})

			if tt.wantErr != nil {
				err, _ := resp.(error)
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Apply() = %v, want %v", resp, tt.wantErr)
				}
			} else if resp != nil {
				t.Errorf("Apply() = %v, want nil", resp)
			}

			state := fsm.GetState()
			if state.ActiveSegment != tt.wantActive {
				t.Errorf("ActiveSegment = %d, want %d", state.ActiveSegment, tt.wantActive)
			}
			if state.Version != tt.wantVersion {
				t.Errorf("Version = %d, want %d", state.Version, tt.wantVersion)
			}
		})
	}
}

func TestSessionFSM_ChangeSourceResetsCursor(t *testing.T) {
	fsm := newTestFSM()

	fsm.Apply(&raft.Log{Data: mustEncode(t, Command{
		Type: CommandInitialize,
		Data: InitializeCommand{State: CursorState{
			SessionID:      "s1",
			Source:         "a.mp3",
			SegmentCount:   3,
			ActiveSegment:  2,
			PlayingSegment: 2,
			SegmentPaused:  true,
			Position:       12,
			Version:        7,
		}},
	})})

	fsm.Apply(&raft.Log{Data: mustEncode(t, Command{
		Type: CommandChangeSource,
		Data: ChangeSourceCommand{SessionID: "s2", Source: "b.mp3", SegmentCount: 9},
	})})

	want := CursorState{
		SessionID:      "s2",
		Source:         "b.mp3",
		SegmentCount:   9,
		ActiveSegment:  -1,
		PlayingSegment: -1,
		Version:        8,
	}
	if got := fsm.GetState(); got != want {
		t.Errorf("state = %+v, want %+v", got, want)
	}
}

func TestSessionFSM_Apply_Errors(t *testing.T) {
	fsm := newTestFSM()

	if resp := fsm.Apply(&raft.Log{Data: []byte("garbage")}); resp == nil {
		t.Error("expected error for undecodable command")
	}
	if resp := fsm.Apply(&raft.Log{Data: mustEncode(t, Command{Type: 99, Data: InitializeCommand{}})}); resp == nil {
		t.Error("expected error for unknown command type")
	}
	if resp := fsm.Apply(&raft.Log{Data: mustEncode(t, Command{Type: CommandChangeSource, Data: InitializeCommand{}})}); resp == nil {
		t.Error("expected error for mismatched command data")
	}
}

func TestSessionFSM_Snapshot_Restore(t *testing.T) {
	fsm := newTestFSM()

	initial := CursorState{
		SessionID:      "s1",
		Source:         "lecture.mp3",
		SegmentCount:   10,
		ActiveSegment:  3,
		PlayingSegment: 3,
		SegmentPaused:  true,
		Position:       42.5,
		Version:        100,
	}
	fsm.Apply(&raft.Log{Data: mustEncode(t, Command{
		Type: CommandInitialize,
		Data: InitializeCommand{State: initial},
	})})

	snapshot, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	var buf bytes.Buffer
	sink := &mockSnapshotSink{buf: &buf}
	if err := snapshot.Persist(sink); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	fsm2 := newTestFSM()
	if err := fsm2.Restore(io.NopCloser(&buf)); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	if got := fsm2.GetState(); got != initial {
		t.Errorf("restored state = %+v, want %+v", got, initial)
	}
}

func TestSessionFSM_GetState_Concurrent(t *testing.T) {
	fsm := newTestFSM()
	fsm.Apply(&raft.Log{Data: mustEncode(t, Command{
		Type: CommandChangeSource,
		Data: ChangeSourceCommand{SessionID: "s1", Source: "a.mp3", SegmentCount: 100},
	})})

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				_ = fsm.GetState()
			}
			done <- true
		}()
	}

	update := mustEncode(t, Command{
		Type: CommandUpdateCursor,
		Data: UpdateCursorCommand{SessionID: "s1", ActiveSegment: 1, PlayingSegment: -1},
	})
	go func() {
		for j := 0; j < 50; j++ {
			fsm.Apply(&raft.Log{Data: update})
		}
		done <- true
	}()

	for i := 0; i < 11; i++ {
		<-done
	}

	if state := fsm.GetState(); state.Version != 51 {
		t.Errorf("Version = %d, want 51", state.Version)
	}
}

// mockSnapshotSink implements raft.SnapshotSink for testing.
type mockSnapshotSink struct {
	buf *bytes.Buffer
}

func (m *mockSnapshotSink) Write(p []byte) (n int, err error) {
	return m.buf.Write(p)
}

func (m *mockSnapshotSink) Close() error {
	return nil
}

func (m *mockSnapshotSink) ID() string {
	return "mock"
}

func (m *mockSnapshotSink) Cancel() error {
	return nil
}
