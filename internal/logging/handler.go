// Package logging provides the timestamped line logger shared by every command.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// TimeLayout is the timestamp format used at the start of every line.
const TimeLayout = "2006-01-02 15:04:05"

// Sink is one destination of log lines. Colored sinks get ANSI level tags.
type Sink struct {
	Writer io.Writer
	Color  bool
}

// LineHandler is a slog handler producing "[time] [LEVEL] message key=value" lines.
type LineHandler struct {
	sinks  []Sink
	level  slog.Leveler
	mu     *sync.Mutex
	attrs  []slog.Attr
	prefix string
}

// NewLineHandler creates a handler writing every record to all sinks.
func NewLineHandler(level slog.Leveler, sinks ...Sink) *LineHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &LineHandler{
		sinks: sinks,
		level: level,
		mu:    &sync.Mutex{},
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *LineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle formats and writes the log record.
func (h *LineHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var body strings.Builder
	body.WriteString(r.Message)
	for _, a := range h.attrs {
		writeAttr(&body, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&body, h.prefix, a)
		return true
	})
	body.WriteString("\n")

	stamp := "[" + ts.Format(TimeLayout) + "] "
	tag := levelTag(r.Level)

	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for _, sink := range h.sinks {
		renderedTag := "[" + tag + "] "
		if sink.Color {
			renderedTag = "[" + levelColor(r.Level).Sprint(tag) + "] "
		}
		if _, err := io.WriteString(sink.Writer, stamp+renderedTag+body.String()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WithAttrs returns a new handler with the given attributes.
func (h *LineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

// WithGroup returns a new handler whose attribute keys are prefixed with name.
func (h *LineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, inner := range a.Value.Group() {
			writeAttr(b, prefix+a.Key+".", inner)
		}
		return
	}

	b.WriteString(" ")
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteString("=")

	val := a.Value.String()
	if strings.ContainsAny(val, " =\t\n\"") || val == "" {
		fmt.Fprintf(b, "%q", val)
		return
	}
	b.WriteString(val)
}

func levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

func levelColor(level slog.Level) *color.Color {
	switch {
	case level >= slog.LevelError:
		return color.New(color.FgRed, color.Bold)
	case level >= slog.LevelWarn:
		return color.New(color.FgYellow)
	case level >= slog.LevelInfo:
		return color.New(color.FgGreen)
	default:
		return color.New(color.FgHiBlack)
	}
}

// Options configures New.
type Options struct {
	Console      io.Writer
	ConsoleColor bool
	FilePath     string
	Verbose      bool
}

// New builds the run logger. The log file is optional: when it cannot be
// opened the returned logger still writes to the console and the open error
// is returned alongside it so the caller can report it.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	sinks := []Sink{}
	if opts.Console != nil {
		sinks = append(sinks, Sink{Writer: opts.Console, Color: opts.ConsoleColor})
	}

	var closer io.Closer = nopCloser{}
	var openErr error
	if opts.FilePath != "" {
		file, err := OpenLogFile(opts.FilePath)
		if err != nil {
			openErr = err
		} else {
			sinks = append(sinks, Sink{Writer: file})
			closer = file
		}
	}

	return slog.New(NewLineHandler(level, sinks...)), closer, openErr
}

// OpenLogFile opens path for appending, creating it and its directory when missing.
func OpenLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
