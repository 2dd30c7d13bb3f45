package ssh

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chainguard-dev/nodedriver/internal/metrics"
	"github.com/chainguard-dev/nodedriver/internal/ssh/internal/mock"
	"github.com/chainguard-dev/nodedriver/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// fixture is a running mock SSH server and a target pointing at it.
type fixture struct {
	server  *mock.Server
	target  Target
	hostKey ssh.PublicKey
}

func newFixture(t *testing.T, opts ...mock.Option) fixture {
	t.Helper()
	// Generate a "user" keypair and write its private half where 'Connect'
	// expects a key file.
	userKeys, err := NewED25519KeyPair()
	require.NoError(t, err)
	userPubKey, err := userKeys.Public.ToSSH()
	require.NoError(t, err)
	pemBytes, err := userKeys.Private.MarshalOpenSSH("test@nodedriver")
	require.NoError(t, err)
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, pemBytes, 0o600))

	// Generate a "server" keypair. The server signs with its private half,
	// the client pins the public half.
	serverKeys, err := NewED25519KeyPair()
	require.NoError(t, err)
	serverSigner, err := serverKeys.Private.ToSSH()
	require.NoError(t, err)
	serverPubKey, err := serverKeys.Public.ToSSH()
	require.NoError(t, err)

	server := mock.NewServer(t, serverSigner, mock.AuthorizedKey("ec2-user", userPubKey), opts...)
	server.Start(t, t.Context())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, server.Shutdown(ctx))
	})

	return fixture{
		server: server,
		target: Target{
			Host:     "127.0.0.1",
			Port:     server.Port(),
			User:     "ec2-user",
			KeyFile:  keyFile,
			HostKeys: PinnedHostKeys(serverPubKey),
		},
		hostKey: serverPubKey,
	}
}

// scripted answers a fixed set of commands and reports 127 for the rest.
func scripted(replies map[string]mock.Reply) mock.Handler {
	return func(cmd string) mock.Reply {
		if r, ok := replies[cmd]; ok {
			return r
		}
		return mock.Reply{
			Output:     []mock.Output{{Stderr: true, Data: "sh: " + cmd + ": not found\n"}},
			ExitStatus: 127,
		}
	}
}

// streamOutput concatenates the chunks of a single stream.
func streamOutput(r CommandResult, s Stream) string {
	var buf bytes.Buffer
	for _, c := range r.Chunks {
		if c.Stream == s {
			buf.Write(c.Data)
		}
	}
	return buf.String()
}

func TestExec(t *testing.T) {
	f := newFixture(t, mock.WithHandler(scripted(map[string]mock.Reply{
		"uname -s": {Output: []mock.Output{{Data: "Linux\n"}}},
		"false":    {ExitStatus: 1},
		"warn": {Output: []mock.Output{
			{Data: "out-1\n"},
			{Stderr: true, Data: "err-1\n"},
			{Data: "out-2\n"},
		}},
		"sleep 600": {ExitSignal: "KILL"},
		"oom":       {Output: []mock.Output{{Stderr: true, Data: "Killed\n"}}, ExitStatus: 137},
		"vanish":    {Output: []mock.Output{{Data: "bye"}}, NoExit: true},
	})))

	tests := []struct {
		cmd         string
		wantStdout  string
		wantStderr  string
		wantExit    Exit
		wantSuccess bool
	}{
		{cmd: "uname -s", wantStdout: "Linux\n", wantExit: ExitedWithCode(0), wantSuccess: true},
		{cmd: "false", wantExit: ExitedWithCode(1)},
		// Under a pty stderr shares the terminal with stdout.
		{cmd: "warn", wantStdout: "out-1\nerr-1\nout-2\n", wantExit: ExitedWithCode(0), wantSuccess: true},
		{cmd: "does-not-exist", wantStdout: "sh: does-not-exist: not found\n", wantExit: ExitedWithCode(127)},
		{cmd: "sleep 600", wantExit: KilledBySignal("KILL")},
		{cmd: "oom", wantStdout: "Killed\n", wantExit: ExitedWithCode(137)},
		{cmd: "vanish", wantStdout: "bye", wantExit: Exit{}},
	}

	sink := &recorder{}
	m := metrics.New(nil)
	err := WithSession(t.Context(), f.target, func(s *Session) error {
		for _, tt := range tests {
			result, err := s.Exec(t.Context(), tt.cmd)
			require.NoError(t, err, tt.cmd)
			assert.Equal(t, tt.cmd, result.Command)
			assert.Equal(t, tt.wantStdout, streamOutput(result, Stdout), tt.cmd)
			assert.Equal(t, tt.wantStderr, streamOutput(result, Stderr), tt.cmd)
			assert.Equal(t, tt.wantExit, result.Exit, tt.cmd)
			assert.Equal(t, tt.wantSuccess, result.Success(), tt.cmd)
		}
		return nil
	}, WithSink(sink), WithMetrics(m))
	require.NoError(t, err)

	var cmds []string
	for _, tt := range tests {
		cmds = append(cmds, tt.cmd)
	}
	// Every command is announced, sent and run on a pty, in call order.
	assert.Equal(t, cmds, sink.commands)
	assert.Equal(t, cmds, f.server.Commands())
	require.Len(t, f.server.Terms(), len(cmds))
	for _, term := range f.server.Terms() {
		assert.Equal(t, "xterm", term)
	}
	assert.Len(t, sink.done, len(cmds))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CommandExits.WithLabelValues("success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CommandExits.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandExits.WithLabelValues("signal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandExits.WithLabelValues("unknown")))
}

func TestExecOutputOrder(t *testing.T) {
	interleave := mock.WithHandler(func(string) mock.Reply {
		return mock.Reply{Output: []mock.Output{
			{Data: "A"},
			{Stderr: true, Data: "B"},
			{Data: "C"},
		}}
	})

	t.Run("pty", func(t *testing.T) {
		f := newFixture(t, interleave)
		err := WithSession(t.Context(), f.target, func(s *Session) error {
			for range 50 {
				result, err := s.Exec(t.Context(), "interleave")
				require.NoError(t, err)
				assert.Equal(t, "ABC", string(result.Output()))
				assert.Empty(t, streamOutput(result, Stderr))
			}
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("separate stderr", func(t *testing.T) {
		f := newFixture(t, interleave, mock.SeparateStderr())
		sink := &recorder{}
		err := WithSession(t.Context(), f.target, func(s *Session) error {
			for range 50 {
				result, err := s.Exec(t.Context(), "interleave")
				require.NoError(t, err)
				// Each stream stays in order, the interleaving is up to the
				// client's buffering.
				assert.Equal(t, "AC", streamOutput(result, Stdout))
				assert.Equal(t, "B", streamOutput(result, Stderr))
				assert.True(t, result.Success())
			}
			return nil
		}, WithSink(sink))
		require.NoError(t, err)

		// The sink sees exactly what the results hold.
		var fromResults []Chunk
		for _, r := range sink.done {
			fromResults = append(fromResults, r.Chunks...)
		}
		assert.Equal(t, fromResults, sink.chunks)
	})
}

func TestExecChecked(t *testing.T) {
	f := newFixture(t, mock.WithHandler(scripted(map[string]mock.Reply{
		"true":  {},
		"false": {ExitStatus: 1},
	})))

	err := WithSession(t.Context(), f.target, func(s *Session) error {
		result, err := s.ExecChecked(t.Context(), "true")
		require.NoError(t, err)
		assert.True(t, result.Success())

		_, err = s.ExecChecked(t.Context(), "false")
		require.ErrorIs(t, err, ErrCommandFailed)
		var failed *CommandFailedError
		require.ErrorAs(t, err, &failed)
		code, ok := failed.ExitCode()
		assert.True(t, ok)
		assert.Equal(t, 1, code)
		return nil
	})
	require.NoError(t, err)
}

func TestExecRefused(t *testing.T) {
	for name, opt := range map[string]mock.Option{
		"pty":  mock.RefusePty(),
		"exec": mock.RefuseExec(),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, opt)
			err := WithSession(t.Context(), f.target, func(s *Session) error {
				_, err := s.Exec(t.Context(), "uname -s")
				return err
			})
			require.ErrorIs(t, err, ErrChannel)
			assert.Empty(t, f.server.Commands())
		})
	}
}

func TestExecCancelled(t *testing.T) {
	f := newFixture(t, mock.WithHandler(func(string) mock.Reply {
		return mock.Reply{Output: []mock.Output{{Data: "started\n"}}, Hang: true}
	}))

	err := WithSession(t.Context(), f.target, func(s *Session) error {
		ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
		defer cancel()
		_, err := s.Exec(ctx, "sleep infinity")
		return err
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUpload(t *testing.T) {
	f := newFixture(t)

	// Spans several transfer chunks and ends in a partial one.
	payload := make([]byte, 3*uploadChunkSize+123)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	local := filepath.Join(t.TempDir(), "app.tar")
	require.NoError(t, os.WriteFile(local, payload, 0o640))
	remote := filepath.Join(t.TempDir(), "app.tar")

	sink := &recorder{}
	err = WithSession(t.Context(), f.target, func(s *Session) error {
		return s.Upload(t.Context(), local, remote)
	}, WithSink(sink))
	require.NoError(t, err)

	got, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "remote content differs")
	info, err := os.Stat(remote)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	assert.Equal(t, []string{"scp " + local + " " + remote}, sink.commands)
	require.NotEmpty(t, sink.progress)
	total := int64(len(payload))
	var last int64
	for _, p := range sink.progress {
		assert.Equal(t, "app.tar", p.Name)
		assert.Equal(t, total, p.Total)
		assert.Greater(t, p.Sent, last)
		last = p.Sent
	}
	assert.Equal(t, total, last)
}

func TestUploadEmptyFile(t *testing.T) {
	f := newFixture(t)
	local := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(local, nil, 0o600))
	remote := filepath.Join(t.TempDir(), "empty")

	sink := &recorder{}
	err := WithSession(t.Context(), f.target, func(s *Session) error {
		return s.Upload(t.Context(), local, remote)
	}, WithSink(sink))
	require.NoError(t, err)

	got, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, []progressEvent{{Name: "empty", Sent: 0, Total: 0}}, sink.progress)
}

func TestUploadMissingLocal(t *testing.T) {
	f := newFixture(t)
	err := WithSession(t.Context(), f.target, func(s *Session) error {
		return s.Upload(t.Context(), filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "nope"))
	})
	require.ErrorIs(t, err, ErrTransfer)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWithSessionCloses(t *testing.T) {
	errBody := errors.New("body failed")

	t.Run("after error", func(t *testing.T) {
		f := newFixture(t)
		var leaked *Session
		err := WithSession(t.Context(), f.target, func(s *Session) error {
			leaked = s
			return errBody
		})
		require.ErrorIs(t, err, errBody)
		_, err = leaked.Exec(t.Context(), "uname -s")
		assert.ErrorIs(t, err, ErrSessionClosed)
	})

	t.Run("after panic", func(t *testing.T) {
		f := newFixture(t)
		var leaked *Session
		assert.Panics(t, func() {
			_ = WithSession(t.Context(), f.target, func(s *Session) error {
				leaked = s
				panic("boom")
			})
		})
		require.NotNil(t, leaked)
		err := leaked.Upload(t.Context(), "a", "b")
		assert.ErrorIs(t, err, ErrSessionClosed)
	})
}

func TestHostKeyPolicy(t *testing.T) {
	f := newFixture(t)
	other, err := NewED25519KeyPair()
	require.NoError(t, err)
	otherPubKey, err := other.Public.ToSSH()
	require.NoError(t, err)

	tests := map[string]struct {
		policy  HostKeyPolicy
		wantErr error
	}{
		"pinned":             {policy: PinnedHostKeys(f.hostKey)},
		"trust ephemeral":    {policy: TrustEphemeralHostKeys},
		"pinned mismatch":    {policy: PinnedHostKeys(otherPubKey), wantErr: ErrHostKeyInvalid},
		"no policy selected": {policy: HostKeyPolicy{}, wantErr: ErrHostKeyPolicy},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			target := f.target
			target.HostKeys = tt.policy
			err := WithSession(t.Context(), target, func(*Session) error { return nil })
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrSSHFailedDial)
			assert.ErrorContains(t, err, tt.wantErr.Error())
		})
	}
}

func TestConnectUnauthorized(t *testing.T) {
	f := newFixture(t)
	stranger, err := NewED25519KeyPair()
	require.NoError(t, err)
	pemBytes, err := stranger.Private.MarshalOpenSSH("")
	require.NoError(t, err)
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, pemBytes, 0o600))

	target := f.target
	target.KeyFile = keyFile
	_, err = Connect(t.Context(), target)
	require.ErrorIs(t, err, ErrSSHFailedDial)

	// The right key for the wrong user.
	target = f.target
	target.User = "root"
	_, err = Connect(t.Context(), target)
	require.ErrorIs(t, err, ErrSSHFailedDial)
}

func TestTargetFor(t *testing.T) {
	target := TargetFor(types.Descriptor{
		Name:     "build-1",
		Hostname: "ec2-1-2-3-4.compute.amazonaws.com",
		User:     "ec2-user",
		KeyFile:  "/home/me/.nodedriver/.key",
	}, 2222)
	assert.Equal(t, "ec2-1-2-3-4.compute.amazonaws.com", target.Host)
	assert.Equal(t, uint16(2222), target.Port)
	assert.Equal(t, "ec2-user", target.User)
	assert.Equal(t, "/home/me/.nodedriver/.key", target.KeyFile)
	assert.Equal(t, TrustEphemeralHostKeys, target.HostKeys)
}

func TestJoinHostPort(t *testing.T) {
	ctx := t.Context()
	// invalid ip4 address
	s, err := joinHostPort(ctx, "192.168.255.", 33)
	assert.Error(t, err)
	assert.Equal(t, "", s)
	// invalid ipv6 address
	s, err = joinHostPort(ctx, "2001:db8:3333:4444:5555:6666:7777", 33)
	assert.Error(t, err)
	assert.Equal(t, "", s)
	// valid ipv4 address
	s, err = joinHostPort(ctx, "192.168.255.50", 33)
	assert.NoError(t, err)
	assert.Equal(t, "192.168.255.50:33", s)
	// valid ipv6 address
	s, err = joinHostPort(ctx, "2001:db8:3333:4444:5555:6666:7777:8888", 33)
	assert.NoError(t, err)
	assert.Equal(t, "[2001:db8:3333:4444:5555:6666:7777:8888]:33", s)
	// valid hostname
	s, err = joinHostPort(ctx, "localhost", 33)
	assert.NoError(t, err)
	assert.Equal(t, "127.0.0.1:33", s)
}
