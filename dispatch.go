package datalist

import (
	"context"
	"sync"
)

// Dispatcher runs functions on a single owner goroutine, one at a time and
// in the order they were posted. Lists use it to apply fetch results and
// structural changes and to deliver notifications.
type Dispatcher interface {
	// Post queues fn. It never blocks and never runs fn itself.
	Post(fn func())
}

// taskQueue is an unbounded FIFO of functions with a wakeup signal.
type taskQueue struct {
	mu    sync.Mutex
	tasks []func()
	ready chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{ready: make(chan struct{}, 1)}
}

func (q *taskQueue) push(fn func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *taskQueue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}
	fn := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return fn, true
}

func (q *taskQueue) wait(ctx context.Context) (func(), error) {
	for {
		if fn, ok := q.pop(); ok {
			return fn, nil
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.tasks)
}

// Loop is a [Dispatcher] backed by a goroutine running [Loop.Run].
type Loop struct {
	q *taskQueue
}

// NewLoop creates a loop. Nothing runs until [Loop.Run] is called.
func NewLoop() *Loop {
	return &Loop{q: newTaskQueue()}
}

// Post queues fn to run on the loop goroutine.
func (l *Loop) Post(fn func()) {
	l.q.push(fn)
}

// Run executes posted functions until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		fn, err := l.q.wait(ctx)
		if err != nil {
			return err
		}
		fn()
	}
}

// Do runs fn on the loop goroutine and waits for it to return. It must not
// be called from the loop goroutine itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queue is a [Dispatcher] stepped by its caller. It suits embedding into an
// existing event loop and makes asynchronous behaviour deterministic in
// tests.
type Queue struct {
	q *taskQueue
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{q: newTaskQueue()}
}

// Post queues fn.
func (q *Queue) Post(fn func()) {
	q.q.push(fn)
}

// Next waits for one function to be posted and runs it on the calling
// goroutine.
func (q *Queue) Next(ctx context.Context) error {
	fn, err := q.q.wait(ctx)
	if err != nil {
		return err
	}
	fn()
	return nil
}

// Drain runs queued functions, including ones they post, until the queue is
// empty, and returns how many ran.
func (q *Queue) Drain() int {
	n := 0
	for {
		fn, ok := q.q.pop()
		if !ok {
			return n
		}
		fn()
		n++
	}
}

// Len returns the number of queued functions.
func (q *Queue) Len() int {
	return q.q.len()
}
