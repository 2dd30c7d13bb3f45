package mock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type (
	// Server is an in-process SSH server which runs no real processes. Every
	// 'exec' request is answered by a 'Handler', and the 'sftp' subsystem is
	// served against the local filesystem.
	//
	// Server is constructed by 'NewServer' and started by 'Start', which
	// listens on an ephemeral loopback port. When finished, a call to
	// 'Shutdown' closes the listener and waits for all connections to drain.
	Server struct {
		// The SSH server configuration.
		//
		// These options may be modified _prior_ to calling 'Start', modifying
		// after will have no effect.
		Config *ssh.ServerConfig

		handler        Handler
		refusePty      bool
		refuseExec     bool
		separateStderr bool

		// Holds the closure we'll use to shut down the Server.
		cancel   context.CancelFunc
		listener net.Listener

		// 'Waiter' is a 'sync.WaitGroup'-like construct, save that it accepts a
		// 'context.Context' on its 'Done' method, supporting deadlines.
		wait Waiter

		log *slog.Logger

		mu       sync.Mutex
		commands []string
		terms    []string
	}

	// PubKeyCallback is the function called when the server receives an
	// authentication attempt via public key. Any non-nil error returned will
	// immediately abort the connection.
	PubKeyCallback func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error)

	// Handler decides what a command "does": what it writes and how it ends.
	Handler func(cmd string) Reply

	// Reply is the scripted behavior of a single command.
	Reply struct {
		// Output is written in order, each entry to stdout or stderr.
		Output []Output
		// ExitStatus is reported unless 'ExitSignal' is set.
		ExitStatus uint32
		// ExitSignal, when set, is reported instead of an exit status.
		ExitSignal string
		// NoExit closes the channel without reporting how the command ended.
		NoExit bool
		// Hang keeps the channel open until the client closes it.
		Hang bool
	}

	Output struct {
		Stderr bool
		Data   string
	}

	Option func(*Server)
)

// WithHandler sets the handler answering 'exec' requests. The default
// handler writes nothing and exits 0.
func WithHandler(h Handler) Option {
	return func(s *Server) {
		s.handler = h
	}
}

// WithLogger sends the server's diagnostics to 'l'. They are discarded by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// RefusePty makes the server deny every 'pty-req' request.
func RefusePty() Option {
	return func(s *Server) {
		s.refusePty = true
	}
}

// SeparateStderr keeps stderr on its own stream even when a pty was
// granted. By default the server behaves like sshd and writes a pty
// command's stderr to the terminal, i.e. to stdout.
func SeparateStderr() Option {
	return func(s *Server) {
		s.separateStderr = true
	}
}

// RefuseExec makes the server deny every 'exec' request.
func RefuseExec() Option {
	return func(s *Server) {
		s.refuseExec = true
	}
}

func NewServer(t *testing.T, signer ssh.Signer, fn PubKeyCallback, opts ...Option) *Server {
	require.NotNil(t, fn, "a non-nil public key callback is required")
	require.NotNil(t, signer, "a non-nil ssh.Signer is required")
	// Init the SSH server config, add the host key
	config := &ssh.ServerConfig{
		PublicKeyCallback: fn,
	}
	config.AddHostKey(signer)
	s := &Server{
		Config:  config,
		handler: func(string) Reply { return Reply{} },
		wait:    NewWaiter(),
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins accepting connections on an ephemeral loopback port.
// Cancelling 'ctx' stops the server.
func (self *Server) Start(t *testing.T, ctx context.Context) {
	ctx, self.cancel = context.WithCancel(ctx)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to listen on loopback")
	self.listener = listener
	context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	self.wait.Add()
	go self.serve(t, ctx)
}

// Port is the TCP port the server is listening on.
func (self *Server) Port() uint16 {
	return uint16(self.listener.Addr().(*net.TCPAddr).Port)
}

// Commands lists every accepted 'exec' command, in the order received.
func (self *Server) Commands() []string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return slices.Clone(self.commands)
}

// Terms lists the terminal type of every granted 'pty-req' request.
func (self *Server) Terms() []string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return slices.Clone(self.terms)
}

func (self *Server) serve(t *testing.T, ctx context.Context) {
	defer self.wait.Done()
	for {
		conn, err := self.listener.Accept()
		if err != nil {
			// The listener is only closed on shutdown.
			if !errors.Is(err, net.ErrClosed) {
				assert.NoError(t, err)
			}
			return
		}
		self.wait.Add()
		go self.handleConn(ctx, conn)
	}
}

// handleConn attempts an SSH handshake over 'conn'.
//
// If successful it will continuously drain the inbound channel requests
// channel, accepting 'session' channel requests and spawning a channel handler
// in a separate Goroutine.
func (self *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer self.wait.Done()
	sshConn, inChanReqChan, inReqChan, err := ssh.NewServerConn(conn, self.Config)
	if err != nil {
		// Clients rejecting our host key end up here too.
		self.log.Debug("SSH handshake failed", "error", err)
		_ = conn.Close()
		return
	}
	stop := context.AfterFunc(ctx, func() {
		_ = sshConn.Close()
	})
	defer stop()
	defer sshConn.Close()
	// This just ACKs all requests, if one was received and requested a reply.
	go ssh.DiscardRequests(inReqChan)
	for newChannelRequest := range inChanReqChan {
		if newChannelRequest.ChannelType() != "session" {
			_ = newChannelRequest.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, reqs, err := newChannelRequest.Accept()
		if err != nil {
			self.log.Warn("failed to accept channel", "error", err)
			continue
		}
		self.wait.Add()
		go self.handleChannel(channel, reqs)
	}
}

// handleChannel processes the requests delivered over a session channel
// until it either runs a command or serves a subsystem, after which the
// channel is closed.
func (self *Server) handleChannel(channel ssh.Channel, reqs <-chan *ssh.Request) {
	defer func() {
		_ = channel.Close()
		self.wait.Done()
	}()
	var pty bool
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			term, err := unmarshalTerm(req.Payload)
			ok := err == nil && !self.refusePty
			if ok {
				pty = true
				self.mu.Lock()
				self.terms = append(self.terms, term)
				self.mu.Unlock()
			}
			self.reply(req, ok)
		case "env":
			self.reply(req, true)
		case "exec":
			cmd, err := unmarshalCommand(req.Payload)
			if err != nil || self.refuseExec {
				self.log.Debug("refusing 'exec' request", "command", cmd)
				self.reply(req, false)
				continue
			}
			self.reply(req, true)
			self.mu.Lock()
			self.commands = append(self.commands, cmd)
			self.mu.Unlock()
			self.exec(channel, reqs, self.handler(cmd), pty && !self.separateStderr)
			return
		case "subsystem":
			var msg struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil || msg.Name != "sftp" {
				self.reply(req, false)
				continue
			}
			self.reply(req, true)
			go ssh.DiscardRequests(reqs)
			self.serveSFTP(channel)
			return
		default:
			self.log.Debug("refusing unsupported channel request", "type", req.Type)
			self.reply(req, false)
		}
	}
}

func (self *Server) exec(channel ssh.Channel, reqs <-chan *ssh.Request, r Reply, mergeStderr bool) {
	if !r.Hang {
		go ssh.DiscardRequests(reqs)
	}
	for _, out := range r.Output {
		var w io.Writer = channel
		if out.Stderr && !mergeStderr {
			w = channel.Stderr()
		}
		if _, err := io.WriteString(w, out.Data); err != nil {
			self.log.Warn("failed to write command output", "error", err)
			return
		}
	}
	if r.Hang {
		// The client sends EOF right away, only closing the channel ends
		// the request stream.
		for req := range reqs {
			self.reply(req, false)
		}
		return
	}
	var err error
	switch {
	case r.NoExit:
	case r.ExitSignal != "":
		_, err = channel.SendRequest("exit-signal", false, marshalExitSignal(r.ExitSignal))
	default:
		_, err = channel.SendRequest("exit-status", false, marshalExitStatus(r.ExitStatus))
	}
	if err != nil {
		self.log.Warn("failed to report command exit", "error", err)
	}
	_ = channel.CloseWrite()
}

func (self *Server) serveSFTP(channel ssh.Channel) {
	server, err := sftp.NewServer(channel)
	if err != nil {
		self.log.Error("failed to start sftp subsystem", "error", err)
		return
	}
	defer server.Close()
	if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
		self.log.Warn("sftp subsystem exited", "error", err)
	}
}

func (self *Server) reply(req *ssh.Request, ok bool) {
	if !req.WantReply {
		return
	}
	if err := req.Reply(ok, nil); err != nil {
		self.log.Warn("failed to reply to channel request", "type", req.Type, "error", err)
	}
}

var ErrServerNotStarted = fmt.Errorf(
	"shutdown called without a call to 'Start' first",
)

// Shutdown calls the 'context.CancelFunc' and waits for all Goroutines to exit.
func (self *Server) Shutdown(ctx context.Context) error {
	if self.cancel == nil {
		return ErrServerNotStarted
	}
	self.cancel()
	return self.wait.WaitContext(ctx)
}
