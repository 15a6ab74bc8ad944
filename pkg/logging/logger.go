// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging builds the slog loggers used by wfenv binaries.
//
// A Logger fans every record out to up to three destinations:
//
//	┌──────────────────────────────────────────────────────┐
//	│                       Logger                         │
//	│  ┌────────────┐  ┌────────────┐  ┌────────────────┐  │
//	│  │   stderr   │  │  log file  │  │  LogExporter   │  │
//	│  │ text/json  │  │   (json)   │  │   (optional)   │  │
//	│  └────────────┘  └────────────┘  └────────────────┘  │
//	└──────────────────────────────────────────────────────┘
//
// Components never depend on Logger itself; they take the *slog.Logger
// returned by Slog, so every destination sees records from library code too.
//
//	logger := logging.New(logging.Config{Level: logging.LevelDebug, Service: "wfenv"})
//	defer logger.Close()
//	host := instance.NewHost(nil, logger.Slog(), nil)
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity. Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fromSlogLevel(l slog.Level) Level {
	switch {
	case l < slog.LevelInfo:
		return LevelDebug
	case l < slog.LevelWarn:
		return LevelInfo
	case l < slog.LevelError:
		return LevelWarn
	default:
		return LevelError
	}
}

// ErrUnknownLevel is returned by ParseLevel.
var ErrUnknownLevel = errors.New("unknown log level")

// ParseLevel parses a case-insensitive level name. "warning" is accepted
// for LevelWarn.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
}

// MarshalText implements encoding.TextMarshaler so levels read naturally in
// YAML and JSON.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(l.String())), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// =============================================================================
// Configuration
// =============================================================================

// Output formats for the stderr destination.
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// Config configures a Logger. The zero value logs Info and above to stderr,
// as text on a terminal and JSON otherwise.
type Config struct {
	// Level is the minimum level. Default: info.
	Level Level `yaml:"level"`

	// Format is "auto", "text" or "json". "auto" (or empty) picks text when
	// the output is a terminal.
	Format string `yaml:"format" validate:"omitempty,oneof=auto text json"`

	// LogDir enables a JSON log file "{service}_{YYYY-MM-DD}.log" in this
	// directory. A leading ~ is expanded.
	LogDir string `yaml:"log_dir"`

	// Service is added to every record as "service".
	Service string `yaml:"service"`

	// Quiet disables the stderr destination.
	Quiet bool `yaml:"quiet"`

	// Output replaces stderr. Used by tests.
	Output io.Writer `yaml:"-"`

	// Exporter receives every enabled record asynchronously.
	Exporter LogExporter `yaml:"-"`
}

// =============================================================================
// Exporters
// =============================================================================

// LogExporter ships records to an external system. Export must not block;
// failures are dropped.
type LogExporter interface {
	Export(ctx context.Context, entry LogEntry) error
	Flush(ctx context.Context) error
	Close() error
}

// LogEntry is one exported record.
type LogEntry struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Service   string
	Attrs     map[string]any
}

// BufferedExporter keeps entries in memory.
//
// Thread Safety: Safe for concurrent use.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewBufferedExporter creates an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{}
}

// Export implements LogExporter.
func (e *BufferedExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

// Flush implements LogExporter.
func (e *BufferedExporter) Flush(context.Context) error { return nil }

// Close implements LogExporter.
func (e *BufferedExporter) Close() error { return nil }

// Entries returns a copy of the collected entries.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LogEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

// =============================================================================
// Logger
// =============================================================================

// Logger owns the destinations behind a *slog.Logger.
//
// Thread Safety: Safe for concurrent use. Close must be called once.
type Logger struct {
	slog *slog.Logger

	mu       sync.Mutex
	file     *os.File
	exporter LogExporter
	inflight *sync.WaitGroup
}

// New creates a Logger.
//
// Description:
//
//	Builds the stderr handler unless Quiet, a JSON file handler when LogDir
//	can be created, and an export handler when Exporter is set. A config
//	that yields no destination still logs to stderr. A failing log file is
//	reported on stderr and skipped.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	logger := &Logger{exporter: config.Exporter, inflight: &sync.WaitGroup{}}
	var handlers []slog.Handler

	if !config.Quiet {
		handlers = append(handlers, consoleHandler(out, config.Format, opts))
	}

	if config.LogDir != "" {
		file, err := openLogFile(config.LogDir, config.Service)
		if err != nil {
			fmt.Fprintf(out, "logging: file destination disabled: %v\n", err)
		} else {
			logger.file = file
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	if config.Exporter != nil {
		handlers = append(handlers, &exportHandler{
			exporter: config.Exporter,
			service:  config.Service,
			level:    opts.Level.Level(),
			inflight: logger.inflight,
		})
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = consoleHandler(out, config.Format, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}
	logger.slog = slog.New(handler)
	return logger
}

// Default returns an Info logger for the "wfenv" service on stderr.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "wfenv"})
}

// Slog returns the logger handed to components.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// With returns a Logger sharing this logger's destinations with extra
// attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		file:     l.file,
		exporter: l.exporter,
		inflight: l.inflight,
	}
}

// Close waits for pending exports, then flushes and closes the exporter
// and the log file. Every failure is returned.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.exporter != nil {
		l.inflight.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		if err := l.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
		l.exporter = nil
	}
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
		l.file = nil
	}
	return errors.Join(errs...)
}

// consoleHandler returns a text or JSON handler for w.
func consoleHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if UseJSON(format, w) {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// UseJSON reports whether format selects JSON for w. "auto" and "" select
// JSON unless w is a terminal.
func UseJSON(format string, w io.Writer) bool {
	switch format {
	case FormatJSON:
		return true
	case FormatText:
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return true
	}
	fd := f.Fd()
	return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
}

func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if service == "" {
		service = "wfenv"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// =============================================================================
// Handlers
// =============================================================================

// multiHandler fans records out to every enabled handler.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// exportHandler converts records to LogEntry values for a LogExporter.
// Group names prefix attribute keys with "group.".
type exportHandler struct {
	exporter LogExporter
	service  string
	level    slog.Level
	attrs    []slog.Attr
	group    string
	inflight *sync.WaitGroup
}

func (h *exportHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *exportHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.key(a.Key)] = a.Value.Resolve().Any()
		return true
	})
	if h.service != "" {
		attrs["service"] = h.service
	}

	entry := LogEntry{
		Timestamp: r.Time,
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
		Service:   h.service,
		Attrs:     attrs,
	}
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.exporter.Export(ctx, entry)
	}()
	return nil
}

func (h *exportHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *exportHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), prefixed(h, attrs)...)
	return &next
}

func (h *exportHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.group = h.key(name)
	return &next
}

func prefixed(h *exportHandler, attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: h.key(a.Key), Value: a.Value}
	}
	return out
}
