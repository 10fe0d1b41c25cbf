// Package logging is the structured logger shared by the georeference engine,
// the simulation session and the gRPC surface. Records go to log/slog for the
// json and text formats and to zerolog for the coloured console format.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field is a structured logging attribute.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field      { return Field{Key: key, Value: value} }
func Int(key string, value int) Field     { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }
func Float64(key string, v float64) Field { return Field{Key: key, Value: v} }
func Bool(key string, value bool) Field   { return Field{Key: key, Value: value} }
func Any(key string, value any) Field     { return Field{Key: key, Value: value} }

// Duration logs d in its String form so both backends agree.
func Duration(key string, d time.Duration) Field { return Field{Key: key, Value: d.String()} }

// Vector logs a 3-component position as [x, y, z].
func Vector(key string, x, y, z float64) Field {
	return Field{Key: key, Value: [3]float64{x, y, z}}
}

// Error logs err under "error"; a nil error logs an empty string.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: ""}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Logger is implemented by the slog and zerolog backends and by Noop.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Output formats accepted by Config.Format.
const (
	FormatText    = "text"
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config selects the backend. Unknown levels fall back to info and unknown
// formats to text.
type Config struct {
	Level     string
	Format    string
	AddSource bool // slog formats only
	Output    io.Writer
}

// New builds a Logger from cfg, writing to stdout when cfg.Output is nil.
func New(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	lvl := parseLevel(cfg.Level)

	switch strings.ToLower(cfg.Format) {
	case FormatConsole:
		w := zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
		return &zlogger{l: zerolog.New(w).Level(lvl.zerolog()).With().Timestamp().Logger()}
	case FormatJSON:
		return &slogger{l: slog.New(slog.NewJSONHandler(out, lvl.handlerOptions(cfg.AddSource)))}
	default:
		return &slogger{l: slog.New(slog.NewTextHandler(out, lvl.handlerOptions(cfg.AddSource)))}
	}
}

// NewFromEnv reads LOG_LEVEL and LOG_FORMAT.
func NewFromEnv() Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		AddSource: true,
	})
}

// Noop returns a logger that drops every record.
func Noop() Logger { return noopLogger{} }

type level int

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(s string) level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (l level) slog() slog.Level {
	return [...]slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError}[l]
}

func (l level) zerolog() zerolog.Level {
	return [...]zerolog.Level{zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel, zerolog.ErrorLevel}[l]
}

func (l level) handlerOptions(addSource bool) *slog.HandlerOptions {
	return &slog.HandlerOptions{Level: l.slog(), AddSource: addSource}
}

type slogger struct {
	l *slog.Logger
}

func (s *slogger) With(fields ...Field) Logger {
	args := make([]any, 0, len(fields))
	for _, a := range attrs(fields) {
		args = append(args, a)
	}
	return &slogger{l: s.l.With(args...)}
}

func (s *slogger) Debug(ctx context.Context, msg string, fields ...Field) {
	s.l.LogAttrs(ctx, slog.LevelDebug, msg, attrs(fields)...)
}

func (s *slogger) Info(ctx context.Context, msg string, fields ...Field) {
	s.l.LogAttrs(ctx, slog.LevelInfo, msg, attrs(fields)...)
}

func (s *slogger) Warn(ctx context.Context, msg string, fields ...Field) {
	s.l.LogAttrs(ctx, slog.LevelWarn, msg, attrs(fields)...)
}

func (s *slogger) Error(ctx context.Context, msg string, fields ...Field) {
	s.l.LogAttrs(ctx, slog.LevelError, msg, attrs(fields)...)
}

func attrs(fields []Field) []slog.Attr {
	out := make([]slog.Attr, len(fields))
	for i, f := range fields {
		out[i] = slog.Any(f.Key, f.Value)
	}
	return out
}

type zlogger struct {
	l zerolog.Logger
}

func (z *zlogger) With(fields ...Field) Logger {
	return &zlogger{l: z.l.With().Fields(fieldMap(fields)).Logger()}
}

func (z *zlogger) Debug(_ context.Context, msg string, fields ...Field) { emit(z.l.Debug(), msg, fields) }
func (z *zlogger) Info(_ context.Context, msg string, fields ...Field)  { emit(z.l.Info(), msg, fields) }
func (z *zlogger) Warn(_ context.Context, msg string, fields ...Field)  { emit(z.l.Warn(), msg, fields) }
func (z *zlogger) Error(_ context.Context, msg string, fields ...Field) { emit(z.l.Error(), msg, fields) }

// emit tolerates the nil event zerolog returns for disabled levels.
func emit(e *zerolog.Event, msg string, fields []Field) {
	if e == nil {
		return
	}
	e.Fields(fieldMap(fields)).Msg(msg)
}

func fieldMap(fields []Field) map[string]any {
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	return m
}

type noopLogger struct{}

func (noopLogger) With(...Field) Logger                    { return noopLogger{} }
func (noopLogger) Debug(context.Context, string, ...Field) {}
func (noopLogger) Info(context.Context, string, ...Field)  {}
func (noopLogger) Warn(context.Context, string, ...Field)  {}
func (noopLogger) Error(context.Context, string, ...Field) {}
