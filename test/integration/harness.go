// Package integration provides integration testing utilities for CueSync.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestHarness manages a cuesync process for integration tests.
type TestHarness struct {
	t           *testing.T
	cuesyncCmd  *exec.Cmd
	cuesyncPort int
	tempDir     string
	cancel      context.CancelFunc
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:           t,
		cuesyncPort: findAvailablePort(t),
		tempDir:     t.TempDir(),
	}
}

// WriteFile writes content into the harness temp directory and returns its path.
func (h *TestHarness) WriteFile(name, content string) string {
	h.t.Helper()

	path := filepath.Join(h.tempDir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		h.t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// StartCueSync starts the cuesync binary on the given transcript.
func (h *TestHarness) StartCueSync(transcriptPath string, extraArgs ...string) {
	h.t.Helper()

	binaryPath := findCueSyncBinary(h.t)

	args := append([]string{"--port", fmt.Sprintf("%d", h.cuesyncPort)}, extraArgs...)
	args = append(args, transcriptPath)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.cuesyncCmd = exec.CommandContext(ctx, binaryPath, args...)

	// Capture output for debugging
	h.cuesyncCmd.Stdout = os.Stdout
	h.cuesyncCmd.Stderr = os.Stderr

	if err := h.cuesyncCmd.Start(); err != nil {
		h.t.Fatalf("failed to start cuesync: %v", err)
	}

	waitForServer(h.t, h.URL("/health"), 10*time.Second)
	h.t.Logf("CueSync started on port %d", h.cuesyncPort)
}

// URL returns the address of path on the running instance.
func (h *TestHarness) URL(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", h.cuesyncPort, path)
}

// Get fetches path and returns the status code and body.
func (h *TestHarness) Get(path string) (int, string) {
	h.t.Helper()
	return do(h.t, http.MethodGet, h.URL(path))
}

// Post sends an empty POST to path and returns the status code and body.
func (h *TestHarness) Post(path string) (int, string) {
	h.t.Helper()
	return do(h.t, http.MethodPost, h.URL(path))
}

// State fetches and decodes the session state.
func (h *TestHarness) State() SessionState {
	h.t.Helper()

	code, body := h.Get("/state")
	if code != http.StatusOK {
		h.t.Fatalf("unexpected status code for /state: %d", code)
	}

	var s SessionState
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		h.t.Fatalf("failed to decode state: %v", err)
	}
	return s
}

// Cleanup stops the cuesync process.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.cancel != nil {
		h.cancel()
	}
	if h.cuesyncCmd != nil && h.cuesyncCmd.Process != nil {
		h.cuesyncCmd.Process.Kill()
		h.cuesyncCmd.Wait()
	}
}

// WaitForCondition polls until a condition is met or timeout occurs.
func (h *TestHarness) WaitForCondition(condition func() bool, timeout time.Duration, description string) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}

		<-ticker.C
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for condition: %s", description)
		}
	}
}

// SessionState mirrors the JSON served by GET /state.
type SessionState struct {
	ID            string  `json:"id"`
	Source        string  `json:"source"`
	Segments      int     `json:"segments"`
	Attached      bool    `json:"attached"`
	CurrentTime   float64 `json:"currentTime"`
	Duration      float64 `json:"duration"`
	Loaded        bool    `json:"loaded"`
	Playing       bool    `json:"playing"`
	ActiveSegment int     `json:"activeSegment"`
	Segment       struct {
		Active     bool    `json:"active"`
		Index      int     `json:"index"`
		EndSeconds float64 `json:"endSeconds"`
		Paused     bool    `json:"paused"`
	} `json:"segment"`
}

// ParsedPlaylist represents a parsed HLS playlist for testing.
type ParsedPlaylist struct {
	Version        int
	TargetDuration int
	MediaSequence  uint64
	PlaylistType   string
	Segments       []PlaylistSegment
	HasEndList     bool
}

// PlaylistSegment represents a segment in a playlist.
type PlaylistSegment struct {
	Duration float64
	URL      string
}

// ParsePlaylist parses an HLS media playlist into a structured format.
func ParsePlaylist(content string) *ParsedPlaylist {
	playlist := &ParsedPlaylist{
		Segments: []PlaylistSegment{},
	}

	lines := strings.Split(content, "\n")
	var currentSegment *PlaylistSegment

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			fmt.Sscanf(line, "#EXT-X-VERSION:%d", &playlist.Version)

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			fmt.Sscanf(line, "#EXT-X-TARGETDURATION:%d", &playlist.TargetDuration)

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			fmt.Sscanf(line, "#EXT-X-MEDIA-SEQUENCE:%d", &playlist.MediaSequence)

		case strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:"):
			playlist.PlaylistType = strings.TrimPrefix(line, "#EXT-X-PLAYLIST-TYPE:")

		case line == "#EXT-X-ENDLIST":
			playlist.HasEndList = true

		case strings.HasPrefix(line, "#EXTINF:"):
			currentSegment = &PlaylistSegment{}
			fmt.Sscanf(line, "#EXTINF:%f,", &currentSegment.Duration)

		case !strings.HasPrefix(line, "#"):
			// This is a segment URL
			if currentSegment != nil {
				currentSegment.URL = line
				playlist.Segments = append(playlist.Segments, *currentSegment)
				currentSegment = nil
			}
		}
	}

	return playlist
}

func do(t *testing.T, method, url string) (int, string) {
	t.Helper()

	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

// findCueSyncBinary locates the cuesync binary.
func findCueSyncBinary(t *testing.T) string {
	t.Helper()

	// Try several possible locations
	candidates := []string{
		"../../cuesync",         // From test/integration
		"./cuesync",             // From project root
		"../cuesync",            // From test directory
		"./cmd/cuesync/cuesync", // Built in place
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			t.Logf("Found cuesync binary at: %s", absPath)
			return absPath
		}
	}

	t.Fatal("cuesync binary not found. Run 'go build -o cuesync ./cmd/cuesync' first")
	return ""
}

// waitForServer waits for a server to become available.
func waitForServer(t *testing.T, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
