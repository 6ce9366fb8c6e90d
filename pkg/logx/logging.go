package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logging sinks and verbosity.
type Config struct {
	// Level is one of trace|debug|info|warn|error. Empty means info.
	Level string

	// Console enables the human-readable stderr writer.
	Console bool

	// FilePath, when non-empty, appends JSON lines to the given file.
	FilePath string
}

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field mutates a zerolog event.
//
// This mirrors the ergonomics of slog.Attr without depending on slog.
// Fields are applied in order; if the same key is set twice, the later
// one wins.
type Field func(e *zerolog.Event)

func String(k, v string) Field      { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field     { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field {
	return func(e *zerolog.Event) { e.Float64(k, v) }
}
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Service owns the underlying sinks so loggers stay "live" across Apply()
// calls (a level change applies to every Logger derived from the service).
type Service struct {
	mu   sync.RWMutex
	base zerolog.Logger
	file io.WriteCloser
}

// NewService builds the sinks described by cfg.
func NewService(cfg Config) (*Service, error) {
	s := &Service{}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply reconfigures sinks and level. Safe to call while loggers are in use.
func (s *Service) Apply(cfg Config) error {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: consoleTimeFormat,
		})
	}

	var file io.WriteCloser
	if p := strings.TrimSpace(cfg.FilePath); p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("logx: create log dir: %w", err)
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("logx: open log file: %w", err)
		}
		file = f
		writers = append(writers, f)
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	base := zerolog.New(out).Level(lvl).With().Timestamp().Logger()

	s.mu.Lock()
	old := s.file
	s.base = base
	s.file = file
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Close releases the file sink, if any.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

// Logger returns a live logger bound to this service.
func (s *Service) Logger() Logger {
	return Logger{svc: s}
}

func ParseLevel(raw string) (Level, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return LevelInfo, nil
	}
	lvl, err := zerolog.ParseLevel(v)
	if err != nil {
		return LevelInfo, fmt.Errorf("logx: unknown level %q", raw)
	}
	return lvl, nil
}

// Logger is a lightweight structured logger.
//
//   - A logger created from Service stays live across Service.Apply().
//   - With() returns a derived logger with additional fixed fields.
//   - The zero value is a safe no-op logger.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool

	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	return Logger{base: zerolog.Nop(), hasBase: true}
}

// FromZerolog wraps an existing zerolog.Logger (mostly for tests).
func FromZerolog(zl zerolog.Logger) Logger {
	return Logger{base: zl, hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase }

// With returns a derived logger carrying extra fixed fields.
func (l Logger) With(fields ...Field) Logger {
	out := l
	out.fields = append(append([]Field{}, l.fields...), fields...)
	return out
}

func (l Logger) current() zerolog.Logger {
	if l.svc != nil {
		l.svc.mu.RLock()
		base := l.svc.base
		l.svc.mu.RUnlock()
		return base
	}
	if l.hasBase {
		return l.base
	}
	return zerolog.Nop()
}

func (l Logger) emit(e *zerolog.Event, msg string, fields []Field) {
	if e == nil {
		return
	}
	for _, f := range l.fields {
		f(e)
	}
	for _, f := range fields {
		f(e)
	}
	e.Msg(msg)
}

func (l Logger) Trace(msg string, fields ...Field) { c := l.current(); l.emit(c.Trace(), msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { c := l.current(); l.emit(c.Debug(), msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { c := l.current(); l.emit(c.Info(), msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { c := l.current(); l.emit(c.Warn(), msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { c := l.current(); l.emit(c.Error(), msg, fields) }
