package ec2

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
)

var (
	ErrPollDeadline = fmt.Errorf("gave up waiting: wait timeout reached")
	ErrPollAttempts = fmt.Errorf("gave up waiting: poll attempts exhausted")
)

// poller repeats a check until it reports done.
type poller struct {
	interval time.Duration
	// timeout and attempts are unbounded when zero.
	timeout  time.Duration
	attempts int
	// count is called once per check.
	count func()
}

func (d *Driver) poller(wait string) poller {
	return poller{
		interval: d.cfg.PollInterval,
		timeout:  d.cfg.WaitTimeout,
		attempts: d.cfg.MaxPollAttempts,
		count:    d.metrics.PollAttempts.WithLabelValues(wait).Inc,
	}
}

// until runs 'check' immediately and then every interval until it returns
// true or an error. Cancellation of 'ctx' returns the context's error,
// running into the poller's own bounds returns 'ErrPollDeadline' or
// 'ErrPollAttempts'.
func (p poller) until(ctx context.Context, what string, check func(context.Context) (bool, error)) error {
	log := clog.FromContext(ctx).With("wait", what)
	pctx, cancel := ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, p.timeout)
	}
	defer cancel()

	deadlined := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s after %s", ErrPollDeadline, what, p.timeout)
	}

	for attempt := 1; ; attempt++ {
		if p.count != nil {
			p.count()
		}
		done, err := check(pctx)
		if err != nil {
			if pctx.Err() != nil {
				return deadlined()
			}
			return err
		}
		if done {
			log.Debug("wait complete", "attempts", attempt)
			return nil
		}
		if p.attempts > 0 && attempt >= p.attempts {
			return fmt.Errorf("%w: %s after %d attempts", ErrPollAttempts, what, attempt)
		}
		log.Debug("not there yet, waiting longer", "attempt", attempt, "interval", p.interval)
		select {
		case <-pctx.Done():
			return deadlined()
		case <-time.After(p.interval):
		}
	}
}
