package dispatch

import (
	"context"
	"sync"
)

// Future is the single completion of an asynchronous operation.
// Complete succeeds exactly once; later calls are ignored and report false.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	fired     bool
	value     T
	err       error
	callbacks []func(T, error)
}

// NewFuture returns a pending future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns an already completed future.
func Resolved[T any](v T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Complete(v, err)
	return f
}

// Failed returns a future already completed with err.
func Failed[T any](err error) *Future[T] {
	var zero T
	return Resolved(zero, err)
}

// Complete stores the outcome and releases waiters. Returns false if the future
// was already completed, in which case v and err are discarded.
func (f *Future[T]) Complete(v T, err error) bool {
	f.mu.Lock()
	if f.fired {
		f.mu.Unlock()
		return false
	}
	f.fired = true
	f.value = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
	return true
}

// OnComplete registers fn to run with the outcome. fn runs on the completing
// goroutine, or immediately on the caller's if the future is already done.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	if !f.fired {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	fn(v, err)
}

// Fail completes the future with err and the zero value.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.Complete(zero, err)
}

// Done is closed once the future is completed.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future is completed, without blocking.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome. It must only be called after Done is closed;
// before that it returns the zero value and a nil error.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Wait blocks until the future completes or ctx is done. A context error does not
// complete the future; the operation's late outcome is still recorded.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
