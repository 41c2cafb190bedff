// Package queue provides the single serialized task queue every engine
// mutation runs on.
package queue

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned when posting to a queue that stopped running.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO of tasks executed one at a time by Run.
// Post never blocks, so tasks may post follow-up tasks without deadlock.
// A task must never Call the queue it runs on.
type Queue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	signal chan struct{} // buffered, size 1
	done   chan struct{}
	logger *zap.Logger
}

// New creates an idle queue. Nothing runs until Run is called.
func New(logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		tasks:  make([]func(), 0, 64),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Post appends a task. It reports false if the queue is closed.
// Safe to call from any goroutine, including from inside a task.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, fn)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Call posts fn and waits for it to finish.
func (q *Queue) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !q.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-q.done:
		// Run may have exited with our task still queued.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes tasks until ctx is cancelled or Close is called.
// Tasks still queued at that point are dropped.
func (q *Queue) Run(ctx context.Context) {
	defer q.shutdown()
	for {
		fn, ok := q.next()
		if !ok {
			return
		}
		if fn != nil {
			q.exec(fn)
			continue
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			return
		}
	}
}

// Close stops Run after the task in progress.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Done is closed once Run has returned.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// next pops the front task. It returns (nil, true) when the queue is
// empty but open and (nil, false) once closed.
func (q *Queue) next() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false
	}
	if len(q.tasks) == 0 {
		return nil, true
	}
	fn := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return fn, true
}

func (q *Queue) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

func (q *Queue) shutdown() {
	q.mu.Lock()
	q.closed = true
	q.tasks = nil
	q.mu.Unlock()
	close(q.done)
}
