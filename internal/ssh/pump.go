package ssh

// pump.go implements the command channel event loop.
//
// A command produces four kinds of events: stdout data, stderr data, an
// exit status and an exit signal. 'pump' consumes them in delivery order
// until the stream closes and folds them into a 'CommandResult'. It knows
// nothing about the transport: an 'ssh.Session' feeds it through
// 'streamWriter' and 'awaitExit'.

import (
	"bytes"
	"errors"

	"golang.org/x/crypto/ssh"
)

type eventKind uint8

const (
	eventData eventKind = iota
	eventExtendedData
	eventExitStatus
	eventExitSignal
)

type event struct {
	kind   eventKind
	data   []byte
	status int
	signal string
}

// pump drains 'events' until it is closed, appending output to the result
// and echoing it to 'sink' as it arrives.
//
// A signal always wins over an exit status: a command killed by a signal
// never reports a numeric exit code.
func pump(cmd string, events <-chan event, sink Sink) CommandResult {
	result := CommandResult{Command: cmd}
	for ev := range events {
		switch ev.kind {
		case eventData, eventExtendedData:
			stream := Stdout
			if ev.kind == eventExtendedData {
				stream = Stderr
			}
			result.Chunks = append(result.Chunks, Chunk{Stream: stream, Data: ev.data})
			sink.Output(stream, ev.data)
		case eventExitStatus:
			if _, killed := result.Exit.Signal(); !killed {
				result.Exit = ExitedWithCode(ev.status)
			}
		case eventExitSignal:
			result.Exit = KilledBySignal(ev.signal)
		}
	}
	sink.Done(result)
	return result
}

// streamWriter turns writes to one of a session's output streams into
// events. A write returns once 'pump' has taken it, so writes are delivered
// in the order they complete.
type streamWriter struct {
	kind   eventKind
	events chan<- event
}

func (w streamWriter) Write(p []byte) (int, error) {
	// The session reuses its copy buffer.
	w.events <- event{kind: w.kind, data: bytes.Clone(p)}
	return len(p), nil
}

type waiter interface {
	Wait() error
}

// awaitExit waits for the command, reports how it ended and closes
// 'events'. 'Wait' only returns once both output streams are drained, so
// the exit always comes after the last chunk.
func awaitExit(w waiter, events chan<- event) {
	if ev, ok := exitEvent(w.Wait()); ok {
		events <- ev
	}
	close(events)
}

// exitEvent maps the result of 'ssh.Session.Wait'. A missing exit report or
// a torn down channel yields no event, leaving the exit unknown.
func exitEvent(err error) (event, bool) {
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return event{kind: eventExitStatus, status: 0}, true
	case errors.As(err, &exitErr):
		if sig := exitErr.Signal(); sig != "" {
			return event{kind: eventExitSignal, signal: sig}, true
		}
		return event{kind: eventExitStatus, status: exitErr.ExitStatus()}, true
	default:
		return event{}, false
	}
}
