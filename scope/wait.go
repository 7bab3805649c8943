package scope

import (
	"context"
	"fmt"
	"slices"
)

// Mode selects how many tasks Wait waits for.
type Mode struct {
	k   int
	all bool
}

// FirstK returns as soon as k of the tasks are terminal. A k larger than the
// number of tasks behaves like All.
func FirstK(k int) Mode { return Mode{k: k} }

// FirstCompleted returns as soon as one task is terminal.
var FirstCompleted = FirstK(1)

// All waits for every task.
func All() Mode { return Mode{all: true} }

func (m Mode) String() string {
	if m.all {
		return "all"
	}
	return fmt.Sprintf("first(%d)", m.k)
}

func (m Mode) target(n int) (int, error) {
	switch {
	case m.all:
		return n, nil
	case m.k <= 0:
		return 0, invalidState("wait mode %s needs k > 0", m)
	}
	return min(m.k, n), nil
}

// Wait suspends the calling task until the tasks selected by mode are
// terminal. done holds the terminal tasks in the order they finished and
// pending the rest in input order, ready to be waited on again. Wait never
// cancels the tasks it watches; on cancellation of the caller it returns
// ErrCancelled.
func Wait(ctx context.Context, tasks []*Task, mode Mode) (done, pending []*Task, err error) {
	t, err := current(ctx)
	if err != nil {
		return nil, nil, err
	}
	targets := make([]*Task, 0, len(tasks))
	seen := make(map[*Task]struct{}, len(tasks))
	for _, target := range tasks {
		switch {
		case target == nil:
			return nil, nil, invalidState("wait on nil task")
		case target == t:
			return nil, nil, invalidState("task %s waits on itself", t)
		case target.loop != t.loop:
			return nil, nil, invalidState("task %s belongs to another loop", target)
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		targets = append(targets, target)
	}
	want, err := mode.target(len(targets))
	if err != nil {
		return nil, nil, err
	}
	if t.cancelPending() {
		return nil, nil, ErrCancelled
	}

	for countDone(targets) < want {
		w := t.newWaiter()
		for _, target := range targets {
			if !target.Done() {
				target.onDone(func(*Task) { t.loop.fire(w) })
			}
		}
		t.park(w, true)
		if !w.fired && t.cancelPending() {
			return nil, nil, ErrCancelled
		}
	}

	for _, target := range targets {
		if target.Done() {
			done = append(done, target)
		} else {
			pending = append(pending, target)
		}
	}
	slices.SortFunc(done, func(a, b *Task) int {
		switch {
		case a.finishSeq < b.finishSeq:
			return -1
		case a.finishSeq > b.finishSeq:
			return 1
		}
		return 0
	})
	return done, pending, nil
}

func countDone(tasks []*Task) int {
	n := 0
	for _, t := range tasks {
		if t.Done() {
			n++
		}
	}
	return n
}
