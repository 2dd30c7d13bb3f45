package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/nodedriver/internal/cli"
	"github.com/chainguard-dev/nodedriver/internal/o11y"
	"github.com/chainguard-dev/nodedriver/internal/ssh"
)

// these will be set by the goreleaser configuration
// to appropriate values for the compiled binary.
var version string = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := o11y.SetupTracing(ctx); err != nil {
		clog.FromContext(ctx).Warn("failed to set up tracing", "error", err)
	}

	app := cli.New()
	root := app.Root()
	root.Version = version

	err := app.Execute(ctx, root)
	stop()
	os.Exit(exitCode(os.Stderr, err))
}

// exitCode mirrors a failed remote command's exit code, so that
// 'nodectl exec' can stand in for the command in scripts.
func exitCode(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintln(w, "Error:", err)
	var failed *ssh.CommandFailedError
	if errors.As(err, &failed) {
		if code, ok := failed.ExitCode(); ok && code != 0 {
			return code
		}
	}
	return 1
}
