package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/nodedriver/internal/drivers"
	"github.com/gosimple/slug"
	slogmulti "github.com/samber/slog-multi"
)

// SetupNodeLogging tees remote output for node 'name' into
// '<logsDirectory>/<slug(name)>.log', in addition to the logger already on
// 'ctx'. The returned function closes the file.
//
// An empty 'logsDirectory' disables the file and returns 'ctx' unchanged.
func SetupNodeLogging(ctx context.Context, logsDirectory, name string) (context.Context, func()) {
	if logsDirectory == "" {
		return ctx, func() {}
	}

	if err := os.MkdirAll(logsDirectory, 0o755); err != nil {
		clog.WarnContext(ctx, "failed to create node log directory", "path", logsDirectory, "error", err.Error())
		return ctx, func() {}
	}

	// Node names are free-form, file names are not.
	logPath := filepath.Join(logsDirectory, fmt.Sprintf("%s.log", slug.Make(name)))

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		clog.WarnContext(ctx, "failed to create node log file", "path", logPath, "error", err.Error())
		return ctx, func() {}
	}

	handler := slogmulti.Fanout(clog.FromContext(ctx).Handler(), &nodeHandler{w: logFile})

	clog.InfoContext(ctx, "logging node output to file", "path", logPath)
	ctx = clog.WithLogger(ctx, clog.New(handler))

	return ctx, func() {
		if err := logFile.Close(); err != nil {
			clog.WarnContext(ctx, "failed to close log file", "path", logPath, "error", err.Error())
		}
	}
}

// nodeHandler writes only the raw remote output carried under
// 'drivers.LogAttributeKey', whatever the record's level.
type nodeHandler struct {
	w io.Writer
}

func (h *nodeHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *nodeHandler) Handle(_ context.Context, record slog.Record) error {
	var output string
	var found bool
	record.Attrs(func(a slog.Attr) bool {
		if a.Key == drivers.LogAttributeKey {
			output, found = a.Value.String(), true
			return false
		}
		return true
	})
	if !found {
		return nil
	}
	_, err := io.WriteString(h.w, output)
	return err
}

// Attributes and groups only ever decorate records, the raw output is all
// that is written.
func (h *nodeHandler) WithAttrs([]slog.Attr) slog.Handler {
	return h
}

func (h *nodeHandler) WithGroup(string) slog.Handler {
	return h
}
