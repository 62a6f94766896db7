// Package logging provides the scoped slog loggers used across srt.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Level controls the global verbosity. Debug mode lowers it to LevelDebug;
// monitor mode floors it at LevelWarn so only violations and errors surface.
type Level = slog.Level

var root *slog.Logger

func init() {
	root = New(slog.LevelInfo)
}

// New builds the root tint-backed logger at the given level.
func New(level Level) *slog.Logger {
	h := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	})
	l := slog.New(h)
	root = l
	return l
}

// For returns a logger scoped to one component, e.g. For("manager").
func For(component string) *slog.Logger {
	return root.With("component", component)
}

// SetLevel rebuilds the root logger at a new level; existing For() loggers
// created before the call keep the old level.
func SetLevel(level Level) {
	New(level)
}
