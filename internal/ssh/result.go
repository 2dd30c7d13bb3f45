package ssh

import (
	"bytes"
	"fmt"
	"strconv"
)

// Stream identifies which of a command's output streams a chunk arrived on.
type Stream uint8

const (
	Stdout Stream = iota
	// Stderr is the SSH "extended data" stream.
	Stderr
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "stream(" + strconv.Itoa(int(s)) + ")"
	}
}

// Chunk is a single piece of output as delivered by the transport.
type Chunk struct {
	Stream Stream
	Data   []byte
}

type exitKind uint8

const (
	exitUnknown exitKind = iota
	exitCode
	exitSignal
)

// Exit is how a remote command ended: with an exit code, killed by a
// signal, or unknown when the channel closed before either was reported.
type Exit struct {
	kind   exitKind
	code   int
	signal string
}

// ExitedWithCode is the outcome of a command that exited normally.
func ExitedWithCode(code int) Exit {
	return Exit{kind: exitCode, code: code}
}

// KilledBySignal is the outcome of a command terminated by 'signal' (the
// signal name without the "SIG" prefix, e.g. "KILL").
func KilledBySignal(signal string) Exit {
	return Exit{kind: exitSignal, signal: signal}
}

func (e Exit) Code() (int, bool) {
	return e.code, e.kind == exitCode
}

func (e Exit) Signal() (string, bool) {
	return e.signal, e.kind == exitSignal
}

func (e Exit) String() string {
	switch e.kind {
	case exitCode:
		return "exit code " + strconv.Itoa(e.code)
	case exitSignal:
		return "signal " + e.signal
	default:
		return "unknown exit"
	}
}

// CommandResult accumulates everything observed while a command ran.
type CommandResult struct {
	Command string
	// Chunks holds stdout and stderr output interleaved in arrival order.
	// Each stream is in the order the command wrote it. The SSH client
	// buffers the two streams separately, so when the server sends stderr
	// apart from stdout their relative order is only approximate. Under a
	// pty it does not, and all output arrives as ordered stdout.
	Chunks []Chunk
	Exit   Exit
}

// Output concatenates all chunks in arrival order.
func (r CommandResult) Output() []byte {
	var buf bytes.Buffer
	for _, c := range r.Chunks {
		buf.Write(c.Data)
	}
	return buf.Bytes()
}

func (r CommandResult) ExitCode() (int, bool) {
	return r.Exit.Code()
}

func (r CommandResult) ExitSignal() (string, bool) {
	return r.Exit.Signal()
}

// Success is true only when the command exited with code 0.
func (r CommandResult) Success() bool {
	code, ok := r.Exit.Code()
	return ok && code == 0
}

var ErrCommandFailed = fmt.Errorf("remote command failed")

// CommandFailedError is returned by 'ExecChecked' when a command does not
// exit with code 0.
type CommandFailedError struct {
	Command string
	Result  CommandResult
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("%s: bad exit [%s] for %s", ErrCommandFailed, e.Result.Exit, e.Command)
}

// ExitCode is the command's exit code, if it exited normally.
func (e *CommandFailedError) ExitCode() (int, bool) {
	return e.Result.ExitCode()
}

func (e *CommandFailedError) Is(target error) bool {
	return target == ErrCommandFailed
}
