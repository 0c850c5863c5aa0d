// Package config loads the cuesync configuration file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agleyzer/cuesync/internal/cluster"
)

// Config holds the process configuration. Fields absent from the file keep
// their defaults.
type Config struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port"`
	// PositionInterval is how often the simulated device reports its position.
	PositionInterval time.Duration `yaml:"position_interval"`
	// JumpStep is the distance of a jump forward or backward.
	JumpStep time.Duration `yaml:"jump_step"`
	// SafetyMargin is added to a segment's length to form its timeout guard.
	SafetyMargin time.Duration `yaml:"safety_margin"`
	// VerboseRecovery records every recovered or flagged cue individually.
	VerboseRecovery bool `yaml:"verbose_recovery"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// MediaDuration is the simulated media length. Zero derives it from the
	// last segment end.
	MediaDuration time.Duration `yaml:"media_duration"`
	// CaptionChunk is the length of one subtitle playlist chunk.
	CaptionChunk time.Duration `yaml:"caption_chunk"`
	// Cluster enables replication when set.
	Cluster *cluster.Config `yaml:"cluster"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Port:             8080,
		PositionInterval: 250 * time.Millisecond,
		JumpStep:         10 * time.Second,
		SafetyMargin:     500 * time.Millisecond,
		LogLevel:         "info",
		CaptionChunk:     60 * time.Second,
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration and fills in defaults for zero values.
func (c *Config) Validate() error {
	def := Default()

	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	durations := []struct {
		name  string
		value *time.Duration
		def   time.Duration
	}{
		{"position_interval", &c.PositionInterval, def.PositionInterval},
		{"jump_step", &c.JumpStep, def.JumpStep},
		{"safety_margin", &c.SafetyMargin, def.SafetyMargin},
		{"caption_chunk", &c.CaptionChunk, def.CaptionChunk},
	}
	for _, d := range durations {
		if *d.value < 0 {
			return fmt.Errorf("%s must not be negative, got %v", d.name, *d.value)
		}
		if *d.value == 0 {
			*d.value = d.def
		}
	}
	if c.MediaDuration < 0 {
		return fmt.Errorf("media_duration must not be negative, got %v", c.MediaDuration)
	}

	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	if c.Cluster != nil {
		if err := c.Cluster.Validate(); err != nil {
			return fmt.Errorf("cluster: %w", err)
		}
	}
	return nil
}

// Level returns the slog level for LogLevel, defaulting to info.
func (c *Config) Level() slog.Level {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// ParseLevel parses a log level name.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", name)
	}
	return level, nil
}
