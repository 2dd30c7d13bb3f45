package ssh

import (
	"context"
	"errors"
	"slices"
)

type (
	// stack holds the teardown steps of a session in the order their
	// resources were acquired.
	stack struct {
		closers []closer
	}
	closer func(ctx context.Context) error
)

// push queues a closer, to be run in the reverse order they were added.
func (s *stack) push(c closer) {
	s.closers = append(s.closers, c)
}

// unwind runs all queued closers last-in first-out and empties the stack,
// returning all encountered errors joined.
func (s *stack) unwind(ctx context.Context) error {
	var errs error
	for _, c := range slices.Backward(s.closers) {
		errs = errors.Join(errs, c(ctx))
	}
	s.closers = nil
	return errs
}
