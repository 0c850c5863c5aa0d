// The cuesync command loads a timed-text transcript, drives a simulated audio
// device with it and serves the synchronized playback session over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/agleyzer/cuesync/internal/captions"
	"github.com/agleyzer/cuesync/internal/cluster"
	"github.com/agleyzer/cuesync/internal/config"
	"github.com/agleyzer/cuesync/internal/parser"
	"github.com/agleyzer/cuesync/internal/server"
	"github.com/agleyzer/cuesync/internal/session"
	"github.com/agleyzer/cuesync/internal/simdevice"
	"github.com/agleyzer/cuesync/internal/telemetry"
)

const (
	version = "1.0.0"
)

// options holds the parsed command line.
type options struct {
	configPath  string
	port        int
	verbose     bool
	showVersion bool
	dump        bool
	raftID      string
	raftBind    string
	peers       string

	// set records which flags were given explicitly.
	set map[string]bool
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "CueSync - transcript-synchronized playback v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <transcript.vtt>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Arguments:\n")
		fmt.Fprintf(os.Stderr, "  <transcript.vtt>  WebVTT-like transcript of the audio source\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s lecture.vtt\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config cuesync.yaml --port 9090 lecture.vtt\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --dump lecture.vtt\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --raft-id node1 --raft-bind 127.0.0.1:7001 --peers 127.0.0.1:7001,127.0.0.1:7002 lecture.vtt\n", os.Args[0])
	}

	opts, err := parseFlags(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if opts.showVersion {
		fmt.Printf("CueSync v%s\n", version)
		os.Exit(0)
	}

	// Check for transcript argument
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: transcript file is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	transcriptPath := fs.Arg(0)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := opts.apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Setup logger; --dump keeps stdout for the transcript
	logOut := os.Stdout
	if opts.dump {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))

	if opts.dump {
		doc, err := loadDocument(transcriptPath, cfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(captions.RenderWebVTT(doc))
		return
	}

	logger.Info("CueSync starting", "version", version)

	// Run the application
	if err := run(transcriptPath, cfg, logger); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}

	logger.Info("CueSync stopped")
}

// parseFlags parses args into options.
func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	opts := &options{set: make(map[string]bool)}

	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML configuration file")
	fs.IntVar(&opts.port, "port", 8080, "HTTP server port")
	fs.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	fs.BoolVar(&opts.dump, "dump", false, "Print the parsed transcript as canonical WebVTT and exit")
	fs.StringVar(&opts.raftID, "raft-id", "", "Raft node ID (enables clustering)")
	fs.StringVar(&opts.raftBind, "raft-bind", "", "Raft bind address (host:port)")
	fs.StringVar(&opts.peers, "peers", "", "Comma-separated list of Raft peer addresses, including this node")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		opts.set[f.Name] = true
	})
	return opts, nil
}

// apply overrides cfg with explicitly given flags and revalidates it.
func (o *options) apply(cfg *config.Config) error {
	if o.set["port"] {
		cfg.Port = o.port
	}
	if o.verbose {
		cfg.LogLevel = "debug"
		cfg.VerboseRecovery = true
	}

	if o.set["raft-id"] || o.set["raft-bind"] || o.set["peers"] {
		if cfg.Cluster == nil {
			cfg.Cluster = &cluster.Config{}
		}
		if o.set["raft-id"] {
			cfg.Cluster.RaftID = o.raftID
		}
		if o.set["raft-bind"] {
			cfg.Cluster.BindAddr = o.raftBind
		}
		if o.set["peers"] {
			cfg.Cluster.Peers = splitPeers(o.peers)
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

// splitPeers parses a comma-separated peer list, skipping empty entries.
func splitPeers(s string) []string {
	var peers []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

// loadDocument reads and parses the transcript at path.
func loadDocument(path string, cfg *config.Config, logger *slog.Logger) (*parser.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	builder := parser.NewBuilder(telemetry.NewSlogSink(logger), cfg.VerboseRecovery)
	return builder.Build(string(data)), nil
}

// mediaDuration returns the simulated media length in seconds.
func mediaDuration(cfg *config.Config, doc *parser.Document) float64 {
	if cfg.MediaDuration > 0 {
		return cfg.MediaDuration.Seconds()
	}
	return doc.End()
}

func run(transcriptPath string, cfg *config.Config, logger *slog.Logger) error {
	doc, err := loadDocument(transcriptPath, cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("parsed transcript",
		"path", transcriptPath,
		"segments", doc.Len(),
		"words", doc.WordCount(),
		"recovery", doc.Recovery(),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	sessionOpts := session.Options{
		JumpStep:     cfg.JumpStep,
		SafetyMargin: cfg.SafetyMargin,
		Sink:         telemetry.NewSlogSink(logger),
		Logger:       logger,
	}
	serverOpts := server.Options{
		CaptionChunk: cfg.CaptionChunk,
	}

	if cfg.Cluster != nil {
		manager, err := cluster.NewManager(*cfg.Cluster, logger)
		if err != nil {
			return fmt.Errorf("failed to create cluster manager: %w", err)
		}
		if err := manager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cluster: %w", err)
		}
		defer manager.Shutdown()

		sessionOpts.Publisher = manager
		serverOpts.Cluster = manager
	}

	device := simdevice.New(cfg.PositionInterval, logger)
	if err := device.Load(mediaDuration(cfg, doc)); err != nil {
		logger.Warn("device has no media", "error", err)
	}
	serverOpts.DeviceStats = device.GetStats

	coord := session.New(sessionOpts)
	coord.LoadSource(transcriptPath, doc)
	coord.Attach(device)
	defer coord.Release()

	// Drive the device clock
	go device.Run(ctx)

	srv := server.New(coord, cfg.Port, logger, serverOpts)

	logger.Info("playback session ready",
		"state", fmt.Sprintf("http://localhost:%d/state", cfg.Port),
		"captions", fmt.Sprintf("http://localhost:%d/captions.m3u8", cfg.Port),
		"health", fmt.Sprintf("http://localhost:%d/health", cfg.Port),
	)

	// Start server (blocks until shutdown)
	return srv.Start(ctx)
}
