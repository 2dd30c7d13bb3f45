package ssh

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/nodedriver/internal/drivers"
	"github.com/charmbracelet/lipgloss"
)

// Sink receives a live copy of everything a session does, for operators to
// watch. Sinks never influence the returned results.
type Sink interface {
	// Command announces a command (or transfer) before it starts.
	Command(cmd string)
	// Output is called for every chunk as it arrives.
	Output(stream Stream, p []byte)
	// Done is called once the command's channel has closed.
	Done(result CommandResult)
	// Progress reports bytes sent out of total for a transfer.
	Progress(name string, sent, total int64)
}

// Discard is a 'Sink' that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Command(string)                {}
func (discard) Output(Stream, []byte)         {}
func (discard) Done(CommandResult)            {}
func (discard) Progress(string, int64, int64) {}

// ConsoleSink echoes commands (in green, when 'w' is a color terminal),
// streamed output and transfer progress to 'w'.
func ConsoleSink(w io.Writer) Sink {
	r := lipgloss.NewRenderer(w)
	return &console{
		w:     w,
		style: r.NewStyle().Foreground(lipgloss.Color("2")),
	}
}

type console struct {
	mu    sync.Mutex
	w     io.Writer
	style lipgloss.Style
	// last is the final byte written by 'Output' for the current command.
	last byte
}

func (c *console) Command(cmd string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = '\n'
	fmt.Fprintln(c.w, c.style.Render(">> "+cmd))
}

func (c *console) Output(_ Stream, p []byte) {
	if len(p) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.w.Write(p)
	c.last = p[len(p)-1]
}

// Done terminates the output with a newline, remote output may not end
// with one.
func (c *console) Done(CommandResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last != '\n' {
		fmt.Fprintln(c.w)
		c.last = '\n'
	}
}

func (c *console) Progress(name string, sent, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "%s: %d/%d\n", name, sent, total)
}

// LogSink records commands and their output as debug log records on the
// logger carried by 'ctx'. Output is carried under 'drivers.LogAttributeKey'
// so per-node log handlers can pick it out.
func LogSink(ctx context.Context) Sink {
	return logSink{ctx: ctx, log: clog.FromContext(ctx)}
}

type logSink struct {
	ctx context.Context
	log *clog.Logger
}

func (l logSink) Command(cmd string) {
	l.log.DebugContext(l.ctx, "running remote command", "command", cmd, drivers.LogAttributeKey, ">> "+cmd+"\n")
}

func (l logSink) Output(stream Stream, p []byte) {
	l.log.DebugContext(l.ctx, "remote output", "stream", stream.String(), drivers.LogAttributeKey, string(p))
}

func (l logSink) Done(result CommandResult) {
	l.log.DebugContext(l.ctx, "remote command finished", "command", result.Command, "exit", result.Exit.String())
}

func (l logSink) Progress(name string, sent, total int64) {
	l.log.DebugContext(l.ctx, "upload progress", "file", name, "sent", sent, "total", total)
}

// Tee fans every call out to all 'sinks', in order.
func Tee(sinks ...Sink) Sink {
	return tee(sinks)
}

type tee []Sink

func (t tee) Command(cmd string) {
	for _, s := range t {
		s.Command(cmd)
	}
}

func (t tee) Output(stream Stream, p []byte) {
	for _, s := range t {
		s.Output(stream, p)
	}
}

func (t tee) Done(result CommandResult) {
	for _, s := range t {
		s.Done(result)
	}
}

func (t tee) Progress(name string, sent, total int64) {
	for _, s := range t {
		s.Progress(name, sent, total)
	}
}
