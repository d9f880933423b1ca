package transfer

import (
	"context"
	"sync/atomic"
)

// State is the lifecycle state of a Task
type State int32

const (
	Pending State = iota
	Running
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	default:
		return "failed"
	}
}

// Task is a launched operation whose value resolves exactly once
type Task[T any] struct {
	state atomic.Int32
	done  chan struct{}
	value T
	err   error
}

func newTask[T any]() *Task[T] {
	return &Task[T]{done: make(chan struct{})}
}

// start runs fn on its own goroutine and resolves the task with its result
func start[T any](fn func() (T, error)) *Task[T] {
	t := newTask[T]()
	go func() {
		t.state.Store(int32(Running))
		value, err := fn()
		t.resolve(value, err)
	}()
	return t
}

// failed returns a task that is already resolved with err
func failed[T any](err error) *Task[T] {
	t := newTask[T]()
	var zero T
	t.resolve(zero, err)
	return t
}

func (t *Task[T]) resolve(value T, err error) {
	t.value, t.err = value, err
	if err != nil {
		t.state.Store(int32(Failed))
	} else {
		t.state.Store(int32(Succeeded))
	}
	close(t.done)
}

// Done is closed once the task has resolved
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// State returns the current lifecycle state
func (t *Task[T]) State() State {
	return State(t.state.Load())
}

// Wait blocks until the task resolves or ctx is done. Giving up on ctx does
// not stop the underlying process.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
