// Package diag implements the structured diagnostic channel described in
// spec.md §7: locally recoverable errors (duplicate symbol, undefined
// symbol, relocation overflow, unsupported relocation kind) accumulate into
// a diagnostic stream and don't abort the run; a single fatal error
// terminates the process with a one-line message.
package diag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/retrolinker/retrolinker/internal/linkerr"
)

// Level mirrors spec.md §9's "levels Debug, Warning, Error, each routed to
// stderr with optional suppression; no ambient global state beyond the
// channel configuration".
type Level int

const (
	LevelDebug Level = iota
	LevelWarning
	LevelError
)

// Channel is a diagnostic sink: every non-fatal error produced during a
// link run is logged through it and folded into an aggregate error that is
// returned (not panicked on) at the end of the run.
type Channel struct {
	logger    *slog.Logger
	runID     string
	suppress  Level
	colorize  bool
	accumul   error
}

// Option configures a Channel at construction time.
type Option func(*Channel)

// WithSuppressBelow causes diagnostics strictly below lvl to be dropped
// from the log (they are still folded into the accumulated error if their
// Kind is non-fatal).
func WithSuppressBelow(lvl Level) Option {
	return func(c *Channel) { c.suppress = lvl }
}

// WithLogFile additionally routes every diagnostic to w (e.g. the file
// named by the project config's log_file key), alongside stderr.
func WithLogFile(w io.Writer) Option {
	return func(c *Channel) {
		base := c.logger.Handler()
		c.logger = slog.New(multiHandler{handlers: []slog.Handler{base, slog.NewTextHandler(w, nil)}})
	}
}

// New creates a diagnostic channel writing to stderr, colorized when
// stderr is a terminal.
func New(opts ...Option) *Channel {
	colorize := color.NoColor == false
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	runID := uuid.NewString()

	c := &Channel{
		logger:   slog.New(handler).With("run_id", runID),
		runID:    runID,
		colorize: colorize,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// RunID returns the per-invocation identifier attached to every log line.
func (c *Channel) RunID() string {
	return c.runID
}

// Debugf logs a debug-level message.
func (c *Channel) Debugf(format string, args ...any) {
	if c.suppress > LevelDebug {
		return
	}
	c.logger.Debug(fmt.Sprintf(format, args...))
}

// Warn logs a non-fatal classified error and folds it into the run's
// accumulated diagnostic error, without aborting.
func (c *Channel) Warn(err *linkerr.Error) {
	if c.suppress <= LevelWarning {
		msg := err.Error()
		if c.colorize {
			msg = color.YellowString("warning: ") + msg
		} else {
			msg = "warning: " + msg
		}
		c.logger.Warn(msg, "kind", err.Kind.String())
	}
	c.accumul = multierr.Append(c.accumul, err)
}

// Error logs a non-fatal-but-exit-nonzero classified error (e.g.
// UnsupportedRelocationKind) and folds it into the accumulated error.
func (c *Channel) Error(err *linkerr.Error) {
	if c.suppress <= LevelError {
		msg := err.Error()
		if c.colorize {
			msg = color.RedString("error: ") + msg
		} else {
			msg = "error: " + msg
		}
		c.logger.Error(msg, "kind", err.Kind.String())
	}
	c.accumul = multierr.Append(c.accumul, err)
}

// Fatal logs a fatal classified error. Callers must treat any non-nil
// return from an operation that can fail fatally as a reason to abort; this
// method does not itself terminate the process; cmd/retrolink does that
// at its single top-level boundary.
func (c *Channel) Fatal(err *linkerr.Error) error {
	msg := err.Error()
	if c.colorize {
		msg = color.New(color.FgRed, color.Bold).Sprint("fatal: ") + msg
	} else {
		msg = "fatal: " + msg
	}
	c.logger.Error(msg, "kind", err.Kind.String())
	return err
}

// Result returns the aggregated non-fatal diagnostic error for the run so
// far (nil if there were none). ExitNonZero reports whether the run should
// exit non-zero.
func (c *Channel) Result() error {
	return c.accumul
}

// ExitNonZero reports whether the accumulated diagnostics warrant a
// non-zero process exit code per spec.md §7 ("non-zero exit at end").
func (c *Channel) ExitNonZero() bool {
	return c.accumul != nil
}

// multiHandler fans a slog record out to several handlers, used by
// WithLogFile to duplicate every record to both stderr and an optional
// file.
type multiHandler struct {
	handlers []slog.Handler
}

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			err = multierr.Append(err, h.Handle(ctx, r.Clone()))
		}
	}
	return err
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return multiHandler{handlers: next}
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return multiHandler{handlers: next}
}
