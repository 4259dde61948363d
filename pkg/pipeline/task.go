package pipeline

import (
	"context"
	"errors"
)

// ErrBusy is returned when a task of the same kind is still running.
var ErrBusy = errors.New("a task of this kind is already running")

type taskKind int

const (
	applyTask taskKind = iota
	statusTask
)

func (k taskKind) String() string {
	if k == applyTask {
		return "apply"
	}
	return "status"
}

// Task is a handle on a background run.
type Task[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	result T
}

// Done is closed when the task has finished.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task has finished and returns its result.
func (t *Task[T]) Wait() T {
	<-t.done
	return t.result
}

// Cancel asks the task to stop. A privileged apply that has already begun
// still runs to completion.
func (t *Task[T]) Cancel() {
	t.cancel()
}

func startTask[T any](ctx context.Context, r *Runner, kind taskKind, run func(context.Context) T) (*Task[T], error) {
	if !r.acquire(kind) {
		return nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(t.done)
		defer r.release(kind)
		defer cancel()
		t.result = run(ctx)
	}()
	return t, nil
}

func (r *Runner) acquire(kind taskKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[kind] {
		r.log.Debug("task already running", "kind", kind.String())
		return false
	}
	r.running[kind] = true
	return true
}

func (r *Runner) release(kind taskKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, kind)
}
