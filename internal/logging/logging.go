// Package logging builds the process logger. The GO_LOG environment variable can
// raise or lower levels per call site on top of the configured level.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	slogenv "github.com/cbrewster/slog-env"
)

func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// New returns a logger writing to w in the given format ("json" or "text").
func New(w io.Writer, level, format string) (*slog.Logger, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	// the inner handler lets everything through; slogenv does the filtering
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}

	var h slog.Handler
	switch format {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return slog.New(slogenv.NewHandler(h, slogenv.WithDefaultLevel(l))), nil
}
