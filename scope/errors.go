package scope

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCancelled is returned from a suspension point once the running
	// task observed a cancellation request.
	ErrCancelled = errors.New("scope: task cancelled")
	// ErrTimeout is returned by WithTimeout when its deadline fired before
	// the body returned. It never matches ErrCancelled.
	ErrTimeout = errors.New("scope: timeout exceeded")
	// ErrInvalidState reports misuse of a task, group or scope.
	ErrInvalidState = errors.New("scope: invalid state")
	// ErrNotInTask is returned when a context does not belong to a running task.
	ErrNotInTask = fmt.Errorf("%w: context is not a task context", ErrInvalidState)
	// ErrDeadlock is returned by Run when no task could make progress.
	ErrDeadlock = fmt.Errorf("%w: deadlock, no task can make progress", ErrInvalidState)
)

func invalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// TaskError carries the failure of one task to whoever awaits it.
type TaskError struct {
	Task *Task
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// GroupError aggregates every child failure of a group, in spawn order.
type GroupError struct {
	Errors []error
}

func (e *GroupError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("group failed: %v", e.Errors[0])
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("group failed with %d errors: %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *GroupError) Unwrap() []error { return e.Errors }

// PanicError is the failure recorded for a task body that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// UnobservedError lists failures that no caller awaited before the loop shut down.
type UnobservedError struct {
	Errors []error
}

func (e *UnobservedError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d unobserved task failure(s): %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *UnobservedError) Unwrap() []error { return e.Errors }

func isCancellation(err error) bool { return errors.Is(err, ErrCancelled) }
