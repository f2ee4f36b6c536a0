// ABOUTME: Per-key FIFO executor; work for one key runs strictly in submission order
// ABOUTME: Different keys drain in parallel, each on a goroutine that exits when its lane is empty

package serial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrClosed is returned when work is submitted after Close.
var ErrClosed = errors.New("serial queue closed")

// lane holds the pending work for one key. A lane exists only while it has
// a drain goroutine running.
type lane struct {
	pending []func()
}

// Queue runs submitted functions one at a time per key.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a queue. Pass nil logger for default.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		lanes:  make(map[string]*lane),
		logger: logger.With("component", "serial"),
	}
}

// Submit enqueues fn behind any work already queued for key and returns
// immediately.
func (q *Queue) Submit(key string, fn func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	if l, ok := q.lanes[key]; ok {
		l.pending = append(l.pending, fn)
		return nil
	}

	l := &lane{pending: []func(){fn}}
	q.lanes[key] = l
	q.wg.Add(1)
	go q.drain(key, l)
	return nil
}

// Do enqueues fn for key and waits for its result. If ctx ends before fn
// starts, fn is skipped and ctx.Err() is returned. If ctx ends while fn is
// running, Do returns ctx.Err() without waiting for fn to finish.
func (q *Queue) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	err := q.Submit(key, func() {
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		done <- fn(ctx)
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued, not yet started functions for key.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[key]; ok {
		return len(l.pending)
	}
	return 0
}

// Close stops accepting work and waits for everything already queued to run.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) drain(key string, l *lane) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if len(l.pending) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		fn := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		q.mu.Unlock()

		q.run(key, fn)
	}
}

// run executes fn, keeping a panic in one task from killing the lane.
func (q *Queue) run(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked", "key", key, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
