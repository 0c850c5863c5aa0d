package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/cuesync/internal/cluster"
	"github.com/agleyzer/cuesync/internal/parser"
	"github.com/agleyzer/cuesync/internal/playback/playbacktest"
	"github.com/agleyzer/cuesync/internal/session"
)

const transcript = `WEBVTT

00:00:01.000 --> 00:00:03.000
Hello world

00:00:04.000 --> 00:00:06.000
Second line

00:01:10.000 --> 00:01:12.000
Late remark
`

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type fixture struct {
	device *playbacktest.Device
	sched  *playbacktest.Scheduler
	coord  *session.Coordinator
	srv    *Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		device: playbacktest.NewDevice(90),
		sched:  &playbacktest.Scheduler{},
	}
	f.coord = session.New(session.Options{Scheduler: f.sched})
	f.coord.LoadSource("lecture.mp3", parser.Parse(transcript))
	f.coord.Attach(f.device)
	f.device.ResetCalls()
	f.srv = New(f.coord, 8080, createTestLogger(), opts)
	return f
}

func (f *fixture) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestNew(t *testing.T) {
	coord := session.New(session.Options{})
	logger := createTestLogger()

	srv := New(coord, 8080, logger, Options{})

	if srv.coord != coord {
		t.Error("Coordinator not set correctly")
	}
	if srv.port != 8080 {
		t.Error("Port not set correctly")
	}
	if srv.logger != logger {
		t.Error("Logger not set correctly")
	}
	if srv.opts.CaptionChunk != time.Minute {
		t.Errorf("CaptionChunk = %v, want 1m", srv.opts.CaptionChunk)
	}
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t, Options{
		DeviceStats: func() map[string]interface{} {
			return map[string]interface{}{"playing": false}
		},
	})

	w := f.do(http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var health map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("status = %v", health["status"])
	}
	if health["session"] != f.coord.State().ID.String() {
		t.Errorf("session = %v", health["session"])
	}
	if health["segments"] != float64(3) {
		t.Errorf("segments = %v", health["segments"])
	}
	if _, ok := health["device"]; !ok {
		t.Error("expected device stats")
	}
}

func TestHandleSegments(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(http.MethodGet, "/segments")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body struct {
		Recovery  string        `json:"recovery"`
		WordCount int           `json:"wordCount"`
		Segments  []segmentView `json:"segments"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(body.Segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(body.Segments))
	}
	if body.WordCount != 16 {
		t.Errorf("wordCount = %d, want 16", body.WordCount)
	}
	first := body.Segments[0]
	if first.Start != "00:00:01.000" || first.EndSeconds != 3 || first.Text != "Hello world" || first.Flagged {
		t.Errorf("first segment = %+v", first)
	}
}

func TestHandleSegments_NoDocument(t *testing.T) {
	srv := New(session.New(session.Options{}), 8080, createTestLogger(), Options{})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/segments", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleCaptions(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(http.MethodGet, "/captions.vtt")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/vtt") {
		t.Errorf("Content-Type = %q", ct)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, "WEBVTT") {
		t.Errorf("body does not start with WEBVTT: %q", body)
	}
	if !strings.Contains(body, "00:01:10.000 --> 00:01:12.000\nLate remark") {
		t.Errorf("missing late cue:\n%s", body)
	}
}

func TestHandleCaptionPlaylist(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(http.MethodGet, "/captions.m3u8")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache, no-store, must-revalidate" {
		t.Errorf("Cache-Control = %q", cc)
	}

	p, listType, err := m3u8.DecodeFrom(bytes.NewReader(w.Body.Bytes()), true)
	if err != nil {
		t.Fatalf("decode playlist: %v", err)
	}
	if listType != m3u8.MEDIA {
		t.Fatalf("list type = %v, want media", listType)
	}
	media := p.(*m3u8.MediaPlaylist)
	if media.Count() != 2 {
		t.Fatalf("segments = %d, want 2", media.Count())
	}
	if uri := media.Segments[1].URI; uri != "captions/1.vtt" {
		t.Errorf("URI = %q", uri)
	}
}

func TestHandleCaptionPlaylist_UnboundedTimeline(t *testing.T) {
	coord := session.New(session.Options{})
	coord.LoadSource("lecture.mp3", parser.Parse("WEBVTT\n\n0 --> 100000000000000000000\nforever\n"))
	srv := New(coord, 8080, createTestLogger(), Options{})

	for _, target := range []string{"/captions.m3u8", "/captions/0.vtt"} {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))

		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("GET %s: status = %d, want 422", target, w.Code)
		}
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/captions.vtt", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "forever") {
		t.Errorf("captions.vtt: status = %d body = %q", w.Code, w.Body.String())
	}
}

func TestHandleCaptionChunk(t *testing.T) {
	f := newFixture(t, Options{})

	tests := []struct {
		name     string
		path     string
		wantCode int
		want     string
		missing  string
	}{
		{
			name:     "first chunk",
			path:     "/captions/0.vtt",
			wantCode: http.StatusOK,
			want:     "Second line",
			missing:  "Late remark",
		},
		{
			name:     "second chunk",
			path:     "/captions/1.vtt",
			wantCode: http.StatusOK,
			want:     "Late remark",
			missing:  "Hello world",
		},
		{
			name:     "out of range",
			path:     "/captions/2.vtt",
			wantCode: http.StatusNotFound,
		},
		{
			name:     "wrong extension",
			path:     "/captions/0.srt",
			wantCode: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodGet, tt.path)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			body := w.Body.String()
			if tt.want != "" && !strings.Contains(body, tt.want) {
				t.Errorf("body missing %q:\n%s", tt.want, body)
			}
			if tt.missing != "" && strings.Contains(body, tt.missing) {
				t.Errorf("body should not contain %q:\n%s", tt.missing, body)
			}
		})
	}
}

func TestControl(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		wantCode  int
		wantCalls []string
	}{
		{"play-pause", "/control/play-pause", http.StatusOK, []string{"play"}},
		{"seek", "/control/seek?t=12.5", http.StatusOK, []string{"seek 12.500"}},
		{"seek clamps", "/control/seek?t=500", http.StatusOK, []string{"seek 90.000"}},
		{"seek missing value", "/control/seek", http.StatusBadRequest, nil},
		{"seek NaN", "/control/seek?t=NaN", http.StatusBadRequest, nil},
		{"jump forward", "/control/jump", http.StatusOK, []string{"seek 10.000"}},
		{"jump backward", "/control/jump?dir=backward", http.StatusOK, []string{"seek 0.000"}},
		{"jump sideways", "/control/jump?dir=sideways", http.StatusBadRequest, nil},
		{"volume", "/control/volume?v=0.5", http.StatusOK, []string{"volume 0.50"}},
		{"volume out of range", "/control/volume?v=2", http.StatusBadRequest, nil},
		{"mute", "/control/mute", http.StatusOK, []string{"muted true"}},
		{"unmute", "/control/mute?muted=false", http.StatusOK, []string{"muted false"}},
		{"mute garbage", "/control/mute?muted=maybe", http.StatusBadRequest, nil},
		{"segment", "/control/segment?i=1", http.StatusOK, []string{"seek 4.000", "play"}},
		{"segment out of range", "/control/segment?i=7", http.StatusNotFound, nil},
		{"segment not a number", "/control/segment?i=x", http.StatusBadRequest, nil},
		{"stop", "/control/stop", http.StatusOK, []string{"pause"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})

			w := f.do(http.MethodPost, tt.path)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}

			calls := f.device.Calls()
			if len(calls) != len(tt.wantCalls) {
				t.Fatalf("calls = %v, want %v", calls, tt.wantCalls)
			}
			for i := range calls {
				if calls[i] != tt.wantCalls[i] {
					t.Errorf("calls[%d] = %q, want %q", i, calls[i], tt.wantCalls[i])
				}
			}

			if tt.wantCode == http.StatusOK {
				var s session.Session
				if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
					t.Fatalf("decode state: %v", err)
				}
				if s.Source != "lecture.mp3" {
					t.Errorf("state source = %q", s.Source)
				}
			}
		})
	}
}

func TestControl_SegmentReportsPlayback(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(http.MethodPost, "/control/segment?i=1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var s session.Session
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !s.Segment.Active || s.Segment.Index != 1 || s.Segment.EndSeconds != 6 {
		t.Errorf("segment = %+v", s.Segment)
	}
}

func TestControl_DeviceUnavailable(t *testing.T) {
	f := newFixture(t, Options{})
	f.coord.Release()

	w := f.do(http.MethodPost, "/control/play-pause")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected error message")
	}
}

func TestControl_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(http.MethodGet, "/control/play-pause")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

type fakeCluster struct{}

func (fakeCluster) NodeID() string { return "node1" }
func (fakeCluster) State() string { return "Leader" }
func (fakeCluster) IsLeader() bool { return true }
func (fakeCluster) LeaderAddr() string { return "127.0.0.1:9000" }
func (fakeCluster) Peers() []string { return []string{"127.0.0.1:9000"} }
func (fakeCluster) GetState() cluster.CursorState {
	return cluster.CursorState{SessionID: "s1", ActiveSegment: 1, PlayingSegment: -1, Version: 4}
}

func TestHandleCluster(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, Options{})
		if w := f.do(http.MethodGet, "/cluster"); w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("enabled", func(t *testing.T) {
		f := newFixture(t, Options{Cluster: fakeCluster{}})
		w := f.do(http.MethodGet, "/cluster")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}

		var body struct {
			NodeID   string              `json:"node_id"`
			State    string              `json:"state"`
			IsLeader bool                `json:"is_leader"`
			Cursor   cluster.CursorState `json:"cursor"`
		}
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.NodeID != "node1" || body.State != "Leader" || !body.IsLeader {
			t.Errorf("node = %q/%q", body.NodeID, body.State)
		}
		if body.Cursor.SessionID != "s1" || body.Cursor.Version != 4 {
			t.Errorf("cursor = %+v", body.Cursor)
		}
	})
}

func TestLoggingMiddleware(t *testing.T) {
	srv := New(session.New(session.Options{}), 8080, createTestLogger(), Options{})

	handler := srv.loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.statusCode != http.StatusNotFound {
		t.Errorf("statusCode = %d, want %d", rw.statusCode, http.StatusNotFound)
	}
	if w.Code != http.StatusNotFound {
		t.Errorf("underlying code = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestStart_Shutdown(t *testing.T) {
	srv := New(session.New(session.Options{}), 0, createTestLogger(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
