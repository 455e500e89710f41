package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Task is a unit of work executed on the loop.
type Task func()

// Poster accepts tasks for deferred, serialized execution.
type Poster interface {
	Post(t Task) bool
}

// Inline runs posted tasks immediately on the caller's goroutine.
// Useful for components exercised without a loop.
type Inline struct{}

// Post runs t before returning.
func (Inline) Post(t Task) bool {
	t()
	return true
}

// Loop is an unbounded FIFO of tasks with a single consumer.
//
// Thread-safety model:
//   - Post(): safe from any goroutine, never blocks
//   - Run() / Drain(): task execution is serialized by execMu; never call
//     Drain from inside a task
type Loop struct {
	mu     sync.Mutex
	tasks  []Task
	closed bool
	signal chan struct{} // buffered, size 1; coalesces wakeups

	execMu sync.Mutex
	logger *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used for task panics.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		lp.logger = l
	}
}

// New creates an empty loop.
func New(opts ...Option) *Loop {
	l := &Loop{
		tasks:  make([]Task, 0, 64),
		signal: make(chan struct{}, 1),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Post appends t to the queue. Returns false once the loop is closed.
func (l *Loop) Post(t Task) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	l.tasks = append(l.tasks, t)

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// tryDequeue pops the front task without blocking.
func (l *Loop) tryDequeue() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tasks) == 0 {
		return nil, false
	}
	t := l.tasks[0]
	l.tasks[0] = nil // release the closure for GC
	if len(l.tasks) == 1 {
		l.tasks = l.tasks[:0]
	} else {
		l.tasks = l.tasks[1:]
	}
	return t, true
}

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Drain executes queued tasks on the calling goroutine until the queue is
// empty, including tasks posted while draining. Returns the number executed.
func (l *Loop) Drain() int {
	n := 0
	for {
		t, ok := l.tryDequeue()
		if !ok {
			return n
		}
		l.execute(t)
		n++
	}
}

// Run executes tasks until ctx is cancelled or the loop is closed and empty.
// Must be called from exactly one goroutine.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug("loop starting")
	for {
		if t, ok := l.tryDequeue(); ok {
			l.execute(t)
			continue
		}

		select {
		case <-ctx.Done():
			l.logger.Debug("loop stopping: context cancelled")
			l.Close()
			return ctx.Err()
		case <-l.signal:
			l.mu.Lock()
			done := l.closed && len(l.tasks) == 0
			l.mu.Unlock()
			if done {
				l.logger.Debug("loop stopping: closed")
				return nil
			}
		}
	}
}

// execute runs one task. A panicking task is logged and does not stop the loop.
func (l *Loop) execute(t Task) {
	l.execMu.Lock()
	defer l.execMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panicked", "panic", fmt.Sprint(r))
		}
	}()
	t()
}

// Close stops accepting tasks and wakes Run. Queued tasks are still executed.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.signal)
}
