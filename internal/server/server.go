package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agleyzer/cuesync/internal/captions"
	"github.com/agleyzer/cuesync/internal/cluster"
	"github.com/agleyzer/cuesync/internal/playback"
	"github.com/agleyzer/cuesync/internal/session"
)

// ClusterStatus is the read side of a cluster node.
type ClusterStatus interface {
	NodeID() string
	State() string
	IsLeader() bool
	LeaderAddr() string
	Peers() []string
	GetState() cluster.CursorState
}

// Options configures optional parts of the server.
type Options struct {
	// CaptionChunk is the subtitle playlist chunk length.
	CaptionChunk time.Duration
	// Cluster enables GET /cluster.
	Cluster ClusterStatus
	// DeviceStats, when set, is reported by GET /health.
	DeviceStats func() map[string]interface{}
}

// Server serves the session state, captions and playback controls.
type Server struct {
	coord      *session.Coordinator
	port       int
	logger     *slog.Logger
	opts       Options
	httpServer *http.Server
}

// New creates a new HTTP server
func New(coord *session.Coordinator, port int, logger *slog.Logger, opts Options) *Server {
	if opts.CaptionChunk <= 0 {
		opts.CaptionChunk = captions.DefaultChunkDuration
	}
	return &Server{
		coord:  coord,
		port:   port,
		logger: logger,
		opts:   opts,
	}
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /segments", s.handleSegments)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /captions.vtt", s.handleCaptions)
	mux.HandleFunc("GET /captions.m3u8", s.handleCaptionPlaylist)
	mux.HandleFunc("GET /captions/{chunk}", s.handleCaptionChunk)
	mux.HandleFunc("GET /cluster", s.handleCluster)

	mux.HandleFunc("POST /control/play-pause", s.control(func(*http.Request) error { return s.coord.PlayPause() }))
	mux.HandleFunc("POST /control/stop", s.control(func(*http.Request) error { return s.coord.Stop() }))
	mux.HandleFunc("POST /control/seek", s.control(s.seek))
	mux.HandleFunc("POST /control/jump", s.control(s.jump))
	mux.HandleFunc("POST /control/volume", s.control(s.volume))
	mux.HandleFunc("POST /control/mute", s.control(s.mute))
	mux.HandleFunc("POST /control/segment", s.control(s.playSegment))

	return s.loggingMiddleware(mux)
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	// Start server in a goroutine
	go func() {
		s.logger.Info("starting HTTP server", "port", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	// Graceful shutdown
	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.coord.State()

	health := map[string]interface{}{
		"status":   "ok",
		"session":  state.ID.String(),
		"attached": state.Attached,
		"segments": state.Segments,
	}
	if s.opts.DeviceStats != nil {
		health["device"] = s.opts.DeviceStats()
	}

	writeJSON(w, http.StatusOK, health)
}

type segmentView struct {
	Index        int     `json:"index"`
	Start        string  `json:"start"`
	End          string  `json:"end"`
	StartSeconds float64 `json:"startSeconds"`
	EndSeconds   float64 `json:"endSeconds"`
	Text         string  `json:"text"`
	Flagged      bool    `json:"flagged"`
	Error        string  `json:"error,omitempty"`
}

// handleSegments serves the parsed document.
func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	doc := s.coord.Document()
	if doc == nil {
		writeError(w, http.StatusNotFound, session.ErrNoDocument)
		return
	}

	segs := doc.Segments()
	views := make([]segmentView, len(segs))
	for i, seg := range segs {
		views[i] = segmentView{
			Index:        i,
			Start:        seg.StartTime.String(),
			End:          seg.EndTime.String(),
			StartSeconds: seg.StartTime.Seconds,
			EndSeconds:   seg.EndTime.Seconds,
			Text:         seg.Text,
			Flagged:      seg.Flagged(),
		}
		if seg.TimingErr != nil {
			views[i].Error = seg.TimingErr.Error()
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recovery":  doc.Recovery().String(),
		"wordCount": doc.WordCount(),
		"segments":  views,
	})
}

// handleState serves the current session snapshot.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.State())
}

// handleCaptions serves the whole document as WebVTT.
func (s *Server) handleCaptions(w http.ResponseWriter, r *http.Request) {
	doc := s.coord.Document()
	if doc == nil {
		writeError(w, http.StatusNotFound, session.ErrNoDocument)
		return
	}
	writeVTT(w, captions.RenderWebVTT(doc))
}

// handleCaptionPlaylist serves the subtitle media playlist.
func (s *Server) handleCaptionPlaylist(w http.ResponseWriter, r *http.Request) {
	chunks, err := s.chunks()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	playlist, err := captions.SubtitlePlaylist(chunks, "captions/%d.vtt")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	// Set HLS-specific headers
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	w.WriteHeader(http.StatusOK)
	w.Write(playlist.Encode().Bytes())
}

// handleCaptionChunk serves one subtitle chunk, /captions/{n}.vtt.
func (s *Server) handleCaptionChunk(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("chunk")
	n, err := strconv.Atoi(strings.TrimSuffix(name, ".vtt"))
	if err != nil || !strings.HasSuffix(name, ".vtt") {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown caption chunk %q", name))
		return
	}

	chunks, err := s.chunks()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if n < 0 || n >= len(chunks) {
		writeError(w, http.StatusNotFound, fmt.Errorf("caption chunk %d out of range", n))
		return
	}

	writeVTT(w, captions.RenderChunk(s.coord.Document(), chunks[n]))
}

// handleCluster serves the replicated cursor and node status.
func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	c := s.opts.Cluster
	if c == nil {
		writeError(w, http.StatusNotFound, errors.New("clustering disabled"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":   c.NodeID(),
		"state":     c.State(),
		"is_leader": c.IsLeader(),
		"leader":    c.LeaderAddr(),
		"peers":     c.Peers(),
		"cursor":    c.GetState(),
	})
}

func (s *Server) chunks() ([]captions.Chunk, error) {
	doc := s.coord.Document()
	if doc == nil {
		return nil, session.ErrNoDocument
	}
	return captions.Split(doc, s.coord.State().Duration, s.opts.CaptionChunk)
}

// control adapts a command to a handler that replies with the new state.
func (s *Server) control(cmd func(r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cmd(r); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, s.coord.State())
	}
}

func (s *Server) seek(r *http.Request) error {
	t, err := floatParam(r, "t")
	if err != nil {
		return err
	}
	return s.coord.Seek(t)
}

func (s *Server) jump(r *http.Request) error {
	switch dir := r.URL.Query().Get("dir"); dir {
	case "", "forward":
		return s.coord.JumpForward()
	case "backward":
		return s.coord.JumpBackward()
	default:
		return badRequest(fmt.Errorf("unknown jump direction %q", dir))
	}
}

func (s *Server) volume(r *http.Request) error {
	v, err := floatParam(r, "v")
	if err != nil {
		return err
	}
	return s.coord.SetVolume(v)
}

func (s *Server) mute(r *http.Request) error {
	raw := r.URL.Query().Get("muted")
	if raw == "" {
		raw = "true"
	}
	muted, err := strconv.ParseBool(raw)
	if err != nil {
		return badRequest(fmt.Errorf("invalid muted value %q", raw))
	}
	return s.coord.SetMuted(muted)
}

func (s *Server) playSegment(r *http.Request) error {
	raw := r.URL.Query().Get("i")
	i, err := strconv.Atoi(raw)
	if err != nil {
		return badRequest(fmt.Errorf("invalid segment index %q", raw))
	}
	return s.coord.PlaySegment(i)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", duration,
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// errBadRequest marks errors caused by malformed request parameters.
var errBadRequest = errors.New("bad request")

func badRequest(err error) error {
	return fmt.Errorf("%w: %w", errBadRequest, err)
}

func floatParam(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, badRequest(fmt.Errorf("invalid %s value %q", name, raw))
	}
	return v, nil
}

// statusFor maps command errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, session.ErrInvalidVolume),
		errors.Is(err, session.ErrInvalidPosition),
		errors.Is(err, playback.ErrInvalidSegment):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNoSegment),
		errors.Is(err, session.ErrNoDocument):
		return http.StatusNotFound
	case errors.Is(err, playback.ErrDeviceUnavailable):
		return http.StatusConflict
	case errors.Is(err, captions.ErrTooManyChunks):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeVTT(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/vtt; charset=utf-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}
