// Package logging wraps a process-wide zap logger. Job steps attach their
// job and step numbers to a context with WithJob; code that has a context
// logs through WithContext so every line carries those fields.
package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

type jobScope struct {
	job, step int
	log       *zap.Logger
}

var (
	mu     sync.RWMutex
	base   *zap.Logger
	helper *zap.Logger // base with one extra caller frame for the package funcs
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init builds the process logger.
func Init(cfg Config) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level.SetLevel(lvl)
	zc.Level = level
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	l, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	install(l)
	return nil
}

func install(l *zap.Logger) {
	mu.Lock()
	base = l
	helper = l.WithOptions(zap.AddCallerSkip(1))
	mu.Unlock()
}

func loggers() (*zap.Logger, *zap.Logger) {
	mu.RLock()
	b, h := base, helper
	mu.RUnlock()
	if b != nil {
		return b, h
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	l, err := zc.Build()
	if err != nil {
		l = zap.NewNop()
	}
	install(l)
	return loggers()
}

// Sync flushes any buffered log entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if base == nil {
		return nil
	}
	return base.Sync()
}

// SetLevel changes the log level at runtime. Unknown names are ignored.
func SetLevel(name string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return
	}
	level.SetLevel(l)
}

// LevelForDebug maps the manager's numeric DebugLevel setting to a zap level name.
func LevelForDebug(debugLevel int) string {
	if debugLevel >= 2 {
		return "debug"
	}
	return "info"
}

// WithJob returns a context whose logger tags every entry with job and
// step. A context already scoped to the same job and step is returned
// unchanged.
func WithJob(ctx context.Context, job, step int) context.Context {
	if s, ok := ctx.Value(ctxKey{}).(*jobScope); ok && s.job == job && s.step == step {
		return ctx
	}
	b, _ := loggers()
	return context.WithValue(ctx, ctxKey{}, &jobScope{
		job:  job,
		step: step,
		log:  b.With(zap.Int("job", job), zap.Int("step", step)),
	})
}

// WithContext returns the job-scoped logger carried by ctx, or the
// process logger.
func WithContext(ctx context.Context) *zap.Logger {
	if s, ok := ctx.Value(ctxKey{}).(*jobScope); ok {
		return s.log
	}
	b, _ := loggers()
	return b
}

func Debug(msg string, fields ...zap.Field) {
	_, h := loggers()
	h.Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	_, h := loggers()
	h.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	_, h := loggers()
	h.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	_, h := loggers()
	h.Error(msg, fields...)
}
