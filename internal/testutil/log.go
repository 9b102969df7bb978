// Package testutil holds helpers shared by package tests.
package testutil

import (
	"io"
	"log/slog"
	"testing"
	"time"

	slogenv "github.com/cbrewster/slog-env"
	"github.com/neilotoole/slogt"
)

// Logger returns a logger that writes through t.Log. The level defaults to error and
// follows GO_LOG, so `GO_LOG=debug go test -v` shows everything.
func Logger(t *testing.T) *slog.Logger {
	if !testing.Verbose() {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	replacer := func(_ []string, a slog.Attr) slog.Attr {
		if a.Key == slog.TimeKey {
			return slog.String(a.Key, a.Value.Time().Format("15:04:05.000"))
		}
		return a
	}
	f := slogt.Factory(func(w io.Writer) slog.Handler {
		return slogenv.NewHandler(
			slog.NewTextHandler(w, &slog.HandlerOptions{ReplaceAttr: replacer}),
			slogenv.WithDefaultLevel(slog.LevelError),
		)
	})
	return slogt.New(t, f)
}

// Clock is a settable time source.
type Clock struct {
	T time.Time
}

func NewClock() *Clock {
	return &Clock{T: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time { return c.T }

func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }
