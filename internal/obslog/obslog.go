// Package obslog is a narrow façade over github.com/charmbracelet/log: a
// small Logger type that carries structured fields and formats
// human-readable osiris.log / debug.log streams, selecting the JSON
// formatter when human-readable output is disabled.
package obslog

import (
	"io"
	"sort"

	cblog "github.com/charmbracelet/log"
)

// Options configures a Logger at construction time.
type Options struct {
	Level         string // debug|info|warn|error
	HumanReadable bool
	Writer        io.Writer
}

// Logger wraps a charmbracelet/log.Logger, carrying a fixed set of
// structured fields applied to every entry.
type Logger struct {
	base *cblog.Logger
}

// New constructs a Logger per opts.
func New(opts Options) *Logger {
	writer := opts.Writer
	if writer == nil {
		writer = io.Discard
	}

	formatter := cblog.TextFormatter
	if !opts.HumanReadable {
		formatter = cblog.JSONFormatter
	}

	base := cblog.NewWithOptions(writer, cblog.Options{
		Level:           parseLevel(opts.Level),
		ReportTimestamp: true,
		Formatter:       formatter,
	})
	return &Logger{base: base}
}

func parseLevel(level string) cblog.Level {
	switch level {
	case "debug":
		return cblog.DebugLevel
	case "warn":
		return cblog.WarnLevel
	case "error":
		return cblog.ErrorLevel
	default:
		return cblog.InfoLevel
	}
}

// With returns a derived Logger that always writes the supplied fields,
// sorted by key for deterministic ordering across runs.
func (l *Logger) With(fields map[string]any) *Logger {
	if l == nil || len(fields) == 0 {
		return l
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(fields)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return &Logger{base: l.base.With(args...)}
}

func (l *Logger) Info(msg string)  { l.base.Info(msg) }
func (l *Logger) Debug(msg string) { l.base.Debug(msg) }
func (l *Logger) Warn(msg string)  { l.base.Warn(msg) }
func (l *Logger) Error(msg string) { l.base.Error(msg) }
