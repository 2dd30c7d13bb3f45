package ssh

// session.go implements scoped SSH sessions and the operations run on them.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/nodedriver/internal/metrics"
	"github.com/chainguard-dev/nodedriver/internal/o11y"
	"github.com/pkg/sftp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/ssh"
)

var (
	ErrSessionInit   = fmt.Errorf("failed to open SSH command channel")
	ErrChannel       = fmt.Errorf("remote refused channel request")
	ErrSessionClosed = fmt.Errorf("SSH session is closed")
	ErrSessionClose  = fmt.Errorf("encountered error closing SSH session")
	ErrTransfer      = fmt.Errorf("failed to upload file")
)

const (
	ptyTerm    = "xterm"
	ptyColumns = 80
	ptyRows    = 40

	uploadChunkSize = 32 * 1024
)

var tracer = otel.Tracer("github.com/chainguard-dev/nodedriver/internal/ssh")

// execState tracks where a single 'Exec' call is in the channel protocol.
type execState uint8

const (
	stateIdle execState = iota
	statePtyRequested
	stateCommandRequested
	stateStreaming
	stateClosed
)

func (s execState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case statePtyRequested:
		return "pty-requested"
	case stateCommandRequested:
		return "command-requested"
	case stateStreaming:
		return "streaming"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one authenticated SSH connection to a single node. It is only
// valid inside the 'WithSession' body that produced it and must not be
// shared between goroutines; calls on it are serialised regardless.
type Session struct {
	target  Target
	sink    Sink
	metrics *metrics.Metrics

	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
	stack  stack
}

type Option func(*Session)

// WithSink sets where commands and their output are echoed. The default
// is 'Discard'.
func WithSink(sink Sink) Option {
	return func(s *Session) {
		s.sink = sink
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithSession opens a session against 'target', runs 'body' with it and
// closes it again, whether 'body' returns normally, returns an error or
// panics.
func WithSession(ctx context.Context, target Target, body func(*Session) error, opts ...Option) (err error) {
	ctx, span := tracer.Start(ctx, "ssh.Session", trace.WithAttributes(
		attribute.String(o11y.AttrHost, target.Host),
		attribute.String(o11y.AttrUser, target.User),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	s, err := open(ctx, target, opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.close(ctx))
	}()
	return body(s)
}

func open(ctx context.Context, target Target, opts ...Option) (*Session, error) {
	s := &Session{
		target: target,
		sink:   Discard,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	log := clog.FromContext(ctx).With("host", target.Host, "user", target.User)
	log.Info("establishing SSH connection", "port", target.Port)
	client, err := Connect(ctx, target)
	if err != nil {
		return nil, err
	}
	s.client = client
	s.stack.push(func(ctx context.Context) error {
		clog.FromContext(ctx).Debug("closing SSH connection", "host", target.Host)
		if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("%w: %w", ErrSessionClose, err)
		}
		return nil
	})
	log.Info("SSH connection is successful")
	return s, nil
}

func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = nil
	s.sftp = nil
	return s.stack.unwind(ctx)
}

// Exec runs 'cmd' on a pty and streams its output until the remote side
// closes the channel.
//
// A pty carries the command's stderr on the terminal, so sshd delivers all
// output on stdout in the order it was written. A server that keeps stderr
// separate is only ordered per stream, see 'CommandResult.Chunks'.
//
// A non-zero exit is not an error, inspect the returned result. Errors are
// reserved for protocol failures: a refused pty or exec request wraps
// 'ErrChannel'.
func (s *Session) Exec(ctx context.Context, cmd string) (result CommandResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result.Command = cmd
	if s.client == nil {
		return result, ErrSessionClosed
	}

	ctx, span := tracer.Start(ctx, "ssh.Exec", trace.WithAttributes(
		attribute.String(o11y.AttrCommand, cmd),
	))
	defer span.End()
	log := clog.FromContext(ctx).With("host", s.target.Host, "command", cmd)

	state := stateIdle
	defer func() {
		if err != nil {
			log.Warn("command channel failed", "state", state, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	s.sink.Command(cmd)
	sess, err := s.client.NewSession()
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	defer sess.Close()

	events := make(chan event)
	sess.Stdout = streamWriter{kind: eventData, events: events}
	sess.Stderr = streamWriter{kind: eventExtendedData, events: events}

	state = statePtyRequested
	modes := ssh.TerminalModes{
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(ptyTerm, ptyRows, ptyColumns, modes); err != nil {
		return result, fmt.Errorf("%w: could not obtain pty: %w", ErrChannel, err)
	}

	state = stateCommandRequested
	if err := sess.Start(cmd); err != nil {
		return result, fmt.Errorf("%w: could not execute %s: %w", ErrChannel, cmd, err)
	}

	state = stateStreaming
	log.Debug("command accepted, streaming output")
	// Closing the session is the only way to interrupt the pump.
	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()
	go awaitExit(sess, events)
	result = pump(cmd, events, s.sink)
	state = stateClosed
	if err := ctx.Err(); err != nil {
		return result, err
	}

	s.metrics.CommandExits.WithLabelValues(outcomeLabel(result)).Inc()
	span.SetAttributes(attribute.String(o11y.AttrExit, result.Exit.String()))
	log.Debug("command channel closed", "exit", result.Exit.String())
	return result, nil
}

// ExecChecked behaves like 'Exec' but turns any result other than exit
// code 0 into a '*CommandFailedError'.
func (s *Session) ExecChecked(ctx context.Context, cmd string) (CommandResult, error) {
	result, err := s.Exec(ctx, cmd)
	if err != nil {
		return result, err
	}
	if !result.Success() {
		return result, &CommandFailedError{Command: cmd, Result: result}
	}
	return result, nil
}

// Upload copies the local file at 'localPath' to 'remotePath' over the SFTP
// subsystem, reporting progress to the session's sink after every chunk.
// The remote file gets the local file's permission bits.
func (s *Session) Upload(ctx context.Context, localPath, remotePath string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return ErrSessionClosed
	}

	ctx, span := tracer.Start(ctx, "ssh.Upload", trace.WithAttributes(
		attribute.String(o11y.AttrLocalPath, localPath),
		attribute.String(o11y.AttrRemotePath, remotePath),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	log := clog.FromContext(ctx).With("local", localPath, "remote", remotePath)

	s.sink.Command(fmt.Sprintf("scp %s %s", localPath, remotePath))
	client, err := s.sftpClient()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	in, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	out, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	defer out.Close()

	name := filepath.Base(localPath)
	total := info.Size()
	sent, err := copyWithProgress(ctx, out, in, func(sent int64) {
		s.sink.Progress(name, sent, total)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	if sent == 0 {
		s.sink.Progress(name, 0, total)
	}
	if err := out.Chmod(info.Mode().Perm()); err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	log.Info("upload complete", "bytes", sent)
	return nil
}

func (s *Session) sftpClient() (*sftp.Client, error) {
	if s.sftp != nil {
		return s.sftp, nil
	}
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, err
	}
	s.sftp = client
	s.stack.push(func(ctx context.Context) error {
		if err := client.Close(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("%w: %w", ErrSessionClose, err)
		}
		return nil
	})
	return client, nil
}

func copyWithProgress(ctx context.Context, w io.Writer, r io.Reader, progress func(sent int64)) (int64, error) {
	buf := make([]byte, uploadChunkSize)
	var sent int64
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return sent, err
			}
			sent += int64(n)
			progress(sent)
		}
		if errors.Is(rerr, io.EOF) {
			return sent, nil
		} else if rerr != nil {
			return sent, rerr
		}
	}
}

func outcomeLabel(r CommandResult) string {
	switch {
	case r.Success():
		return "success"
	case r.Exit.kind == exitCode:
		return "failure"
	case r.Exit.kind == exitSignal:
		return "signal"
	default:
		return "unknown"
	}
}
