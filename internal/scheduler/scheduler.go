// Package scheduler runs deferred tasks outside the request that scheduled
// them. Tasks are plain data so they can be persisted; handlers are looked up
// by kind when the task becomes due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"imgbed/internal/logging"
)

var (
	ErrClosed      = errors.New("scheduler closed")
	ErrInvalidTask = errors.New("invalid task")
)

// Task names a handler kind and the argument it runs with.
type Task struct {
	Kind string `json:"kind"`
	Arg  string `json:"arg"`
}

// Handler runs one task.
type Handler func(ctx context.Context, arg string) error

// Scheduler defers a task by at least delay. Delivery is at-least-once, so
// handlers must be idempotent.
type Scheduler interface {
	Register(kind string, h Handler)
	Schedule(ctx context.Context, delay time.Duration, task Task) error
}

type registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func (r *registry) Register(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string]Handler)
	}
	r.handlers[kind] = h
}

// run executes task and reports handler failures, panics included.
func (r *registry) run(ctx context.Context, task Task) (err error) {
	r.mu.RLock()
	h, ok := r.handlers[task.Kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler for task kind %q", task.Kind)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return h(ctx, task.Arg)
}

func validate(task Task) error {
	if task.Kind == "" {
		return ErrInvalidTask
	}
	return nil
}

// Timer runs tasks on in-process timers. Pending tasks keep running after
// the scheduling request returns; Close waits for them.
type Timer struct {
	registry

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewTimer creates an in-process scheduler.
func NewTimer() *Timer {
	return &Timer{}
}

func (t *Timer) Schedule(ctx context.Context, delay time.Duration, task Task) error {
	if err := validate(task); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer t.wg.Done()
		if err := t.run(context.Background(), task); err != nil {
			logging.Sched.Printf("task %s(%s) failed: %v", task.Kind, task.Arg, err)
		}
	})
	return nil
}

// Close stops accepting tasks and waits for pending ones, or for ctx.
func (t *Timer) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
