package dispatch

import (
	"context"
	"sync"
)

// Future is the single-resolution result of a submitted operation.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already resolved with v.
func Resolved[T any](v T) *Future[T] {
	f := newFuture[T]()
	f.resolve(v, nil)
	return f
}

// Failed returns a future already resolved with err.
func Failed[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.resolve(zero, err)
	return f
}

// resolve settles the future. Only the first call has any effect.
func (f *Future[T]) resolve(v T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done. Cancelling ctx only
// stops the wait; the operation itself keeps running to completion.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while the future
// is still pending.
func (f *Future[T]) Result() (v T, err error, ok bool) {
	select {
	case <-f.done:
		return f.val, f.err, true
	default:
		var zero T
		return zero, nil, false
	}
}
