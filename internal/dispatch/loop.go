package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/groutine"
)

// Loop runs posted tasks one at a time, in posting order, on a single named goroutine.
//
// Bridge completions arrive on arbitrary goroutines; posting them to a Loop turns
// them into a single ordered stream where every task is one atomic step. State
// touched only from tasks needs no locks.
//
// The queue is unbounded so Post never blocks the poster (bridge callbacks must
// not stall the radio stack).
type Loop struct {
	name   string
	logger *logrus.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// NewLoop starts a loop goroutine labelled with name.
func NewLoop(name string, logger *logrus.Logger) *Loop {
	if logger == nil {
		logger = logrus.New()
	}

	l := &Loop{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	groutine.Go(context.Background(), name, l.run)
	return l
}

// Post enqueues fn. It returns false, and fn never runs, once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting tasks. Tasks already queued still run; the loop goroutine
// exits afterwards. Safe to call from inside a task and more than once.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Closed reports whether Close has been called.
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Name returns the loop's goroutine label.
func (l *Loop) Name() string {
	return l.name
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			l.exec(ctx, fn)
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			l.logger.WithField("loop", l.name).Debug("Loop drained and stopped")
			return
		}
		<-l.wake
	}
}

// exec runs one task; a panicking task is logged and the loop keeps going.
func (l *Loop) exec(ctx context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithFields(logrus.Fields{
				"loop":      groutine.Name(ctx),
				"panic":     fmt.Sprint(r),
				"stack":     string(debug.Stack()),
				"goroutine": groutine.ID(),
			}).Error("Recovered from panic in loop task")
		}
	}()
	fn()
}
