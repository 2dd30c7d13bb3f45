package mock

import (
	"context"
	"sync"
)

func NewWaiter() Waiter {
	return Waiter{
		wg: new(sync.WaitGroup),
	}
}

// Waiter is like a 'sync.WaitGroup', save that its 'Wait' function accepts a
// 'context.Context' and supports deadlines.
type Waiter struct {
	wg *sync.WaitGroup
}

func (self Waiter) Add() {
	self.wg.Add(1)
}

func (self Waiter) Done() {
	self.wg.Done()
}

// WaitContext blocks until every 'Add' is matched by a 'Done', or 'ctx' is
// done, in which case the waiting goroutine is left behind.
func (self Waiter) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		self.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
