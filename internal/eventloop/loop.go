// Package eventloop provides the single logical thread the backpack client
// runs on: a task loop that serialises callbacks from transport workers and
// timers, and the clock abstraction used to schedule them.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/backpack/internal/groutine"
)

// ErrStopped is returned by Do when the loop is no longer running.
var ErrStopped = errors.New("event loop stopped")

// DefaultQueueSize is the task queue depth used when New is given zero.
const DefaultQueueSize = 256

// Loop executes posted tasks one at a time on a single goroutine.
// Tasks may post further tasks; they must not call Do.
type Loop struct {
	tasks   chan func()
	done    chan struct{}
	logger  *logrus.Logger
	running atomic.Bool
	once    sync.Once
}

// New creates a loop. It does nothing until Run or Start is called.
func New(logger *logrus.Logger, queueSize int) *Loop {
	if logger == nil {
		logger = logrus.New()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Loop{
		tasks:  make(chan func(), queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start runs the loop on a named goroutine until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	groutine.Go(ctx, "backpack-loop", func(ctx context.Context) {
		_ = l.Run(ctx)
	})
}

// Run executes tasks until ctx is cancelled. It returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("event loop already running")
	}
	defer l.once.Do(func() { close(l.done) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			l.execute(fn)
		}
	}
}

func (l *Loop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", r).Error("Event loop task panicked")
		}
	}()
	fn()
}

// Post queues fn for execution on the loop. It blocks only while the queue
// is full and returns false if the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Now implements Clock.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// AfterFunc implements Clock. fn runs on the loop; a timer stopped before its
// task is executed never runs fn.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped.Load() {
				return
			}
			fn()
		})
	})
	return lt
}

type loopTimer struct {
	t       *time.Timer
	stopped atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.stopped.Store(true)
	return t.t.Stop()
}
