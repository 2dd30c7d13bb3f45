// Package log holds the logging helpers shared by nodectl and its drivers.
// Loggers travel on the context, as set up by clog.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	slogmulti "github.com/samber/slog-multi"
)

// Setup installs a text logger writing to 'w' at 'level' on 'ctx' and as
// the slog default.
func Setup(ctx context.Context, w io.Writer, level slog.Level) context.Context {
	logger := clog.New(slogmulti.Fanout(
		slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}),
	))
	slog.SetDefault(&logger.Logger)
	return clog.WithLogger(ctx, logger)
}

// ParseLevel accepts the slog level names, case insensitively.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func Info(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelInfo, msg, args...)
}

func Debug(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelDebug, msg, args...)
}

func Warn(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelWarn, msg, args...)
}

func Error(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelError, msg, args...)
}

// With returns a context whose logger carries 'args' on every record.
func With(ctx context.Context, args ...any) context.Context {
	return clog.WithLogger(ctx, clog.FromContext(ctx).With(args...))
}

// log reports the caller of the exported helper as the record's source.
func log(ctx context.Context, l *clog.Logger, level slog.Level, msg string, args ...any) {
	if !l.Enabled(ctx, level) {
		return
	}

	var pcs [1]uintptr
	// skip [runtime.Callers, log, Info/Debug/...]
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = l.Handler().Handle(ctx, r)
}
