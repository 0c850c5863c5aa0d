package cluster

import (
	"io"

	"github.com/hashicorp/go-hclog"
)

// newNoOpHCLogger creates a no-op hclog.Logger for Raft to avoid excessive logging.
func newNoOpHCLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.Off,
		Output: io.Discard,
	})
}

// newHCLogger creates an hclog.Logger writing to w at the given level.
func newHCLogger(w io.Writer, level hclog.Level) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  level,
		Output: w,
	})
}

// raftLogger returns the Raft logger for a configured level name.
func raftLogger(w io.Writer, level string) hclog.Logger {
	if level == "" {
		return newNoOpHCLogger()
	}
	return newHCLogger(w, hclog.LevelFromString(level))
}
