package connection

import (
	"context"
	"sync"
)

// Future is the outcome of a Connect call. It resolves exactly once: nil
// when the client reaches connected, or the error that ended the attempt
// sequence (ErrMaxReconnectAttempts, ErrDisconnected, context.Canceled).
type Future struct {
	done   chan struct{}
	once   sync.Once
	err    error
	cancel func(*Future)
}

func newFuture(cancel func(*Future)) *Future {
	return &Future{
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

func resolvedFuture(err error) *Future {
	f := newFuture(nil)
	f.resolve(err)
	return f
}

func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the outcome, or nil while still pending.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Resolved reports whether the outcome is known.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves or ctx ends. Giving up on ctx does
// not cancel the connect; use Cancel for that.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts the connect sequence this future belongs to if it has not
// resolved yet. The client settles in disconnected.
func (f *Future) Cancel() {
	if f.cancel != nil && !f.Resolved() {
		f.cancel(f)
	}
}
