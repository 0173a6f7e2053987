// Package eventloop provides the single-threaded executor that every
// stateful component of the client runs on.
//
// Device callbacks, socket events and timers never touch component state
// directly. They [Loop.Post] a function, and the loop runs posted functions
// one at a time in FIFO order on a single goroutine. Components therefore need
// no locks; they only need to check that the event they are handling is not
// stale (see the generation counter in the session package).
//
// Timers created with [Loop.AfterFunc] are delivered through the same queue.
// [Timer.Stop] guarantees that the function will not run afterwards, even if
// the underlying timer already fired and its function is waiting in the queue.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by [Loop.Do] when the loop stops before running the
// function.
var ErrClosed = errors.New("eventloop: closed")

// Scheduler is the part of a loop that components depend on. Both [Loop] and
// [Manual] implement it.
type Scheduler interface {
	// Post queues fn to run on the loop goroutine. It never blocks and may be
	// called from any goroutine. Functions posted after the loop stopped are
	// dropped.
	Post(fn func())

	// AfterFunc runs fn on the loop goroutine once d has elapsed, unless the
	// returned timer is stopped first.
	AfterFunc(d time.Duration, fn func()) *Timer

	// Now returns the loop's notion of the current time.
	Now() time.Time
}

// Compile-time interface assertions.
var (
	_ Scheduler = (*Loop)(nil)
	_ Scheduler = (*Manual)(nil)
)

// Timer is a cancellable delayed task owned by the component that created it.
type Timer struct {
	done bool
	mu   sync.Mutex
	stop func() bool
}

// Stop cancels the timer. It reports whether the call prevented the function
// from running; it returns false when the function already ran or the timer
// was already stopped. Stop is safe to call on a nil Timer.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	if t.stop != nil {
		t.stop()
	}
	return true
}

func (t *Timer) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// fire marks the timer as done and reports whether fn should run.
func (t *Timer) fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Option is a functional option for [New].
type Option func(*Loop)

// WithLogger sets the logger used to report panics recovered from posted
// functions. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.log = l }
}

// Loop is a single-goroutine FIFO executor. The zero value is not usable; call
// [New].
type Loop struct {
	log *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	// notify has capacity 1 so Post never blocks.
	notify chan struct{}
	done   chan struct{}
}

// New returns a loop ready to [Loop.Run].
func New(opts ...Option) *Loop {
	l := &Loop{
		log:    slog.Default(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run executes posted functions until ctx is cancelled or [Loop.Close] is
// called. Functions still queued at that point are discarded. Run must be
// called exactly once.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Close()
	for {
		batch := l.take()
		for _, fn := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.run(fn)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.notify:
		}
	}
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.queue
	l.queue = nil
	return batch
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("eventloop: recovered panic in posted function", "panic", r)
		}
	}()
	fn()
}

// Post implements [Scheduler].
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// AfterFunc implements [Scheduler].
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	rt := time.AfterFunc(d, func() {
		l.Post(func() {
			if t.fire() {
				fn()
			}
		})
	})
	t.mu.Lock()
	t.stop = rt.Stop
	t.mu.Unlock()
	return t
}

// Now implements [Scheduler].
func (l *Loop) Now() time.Time { return time.Now() }

// Do runs fn on the loop goroutine and waits for it to return. It must not be
// called from the loop goroutine itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	l.Post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return nil
	case <-l.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop. It is idempotent.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.queue = nil
	close(l.done)
}

// Done returns a channel that is closed once the loop stopped.
func (l *Loop) Done() <-chan struct{} { return l.done }
