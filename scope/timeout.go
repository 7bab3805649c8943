package scope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NetPo4ki/go-coscope/internal/log"
)

// Timeout is the record of one WithTimeout call. After WithTimeout returns
// it tells which registered tasks completed and which were cancelled.
type Timeout struct {
	loop     *loop
	owner    *Task
	d        time.Duration
	deadline time.Time
	timer    *timer
	tasks    []*Task
	expired  bool
	exited   bool
}

// WithTimeout runs body with a deadline d from now; d <= 0 means no bound.
// Tasks spawned by the calling task while body runs are registered in the
// scope, and so are the tasks they spawn in turn. When the deadline passes first, every registered task that is not
// terminal is cancelled, body is interrupted at its next suspension point,
// and WithTimeout waits for the cancelled tasks to settle before returning an
// error matching ErrTimeout.
func WithTimeout(ctx context.Context, d time.Duration, body func(ctx context.Context) error) (*Timeout, error) {
	t, err := current(ctx)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, invalidState("nil timeout body")
	}
	ts := &Timeout{loop: t.loop, owner: t, d: d}
	if d > 0 {
		ts.deadline = time.Now().Add(d)
		ts.timer = t.loop.addTimer(ts.deadline, nil, ts.expire)
	}

	err = ts.run(ctx, body)
	if !ts.expired {
		ts.exited = true
		return ts, err
	}
	ts.settle()
	ts.exited = true
	if t.cancelPending() {
		return ts, err
	}
	if err == nil || isCancellation(err) {
		return ts, ts.timeoutErr()
	}
	return ts, errors.Join(ts.timeoutErr(), err)
}

func (ts *Timeout) run(ctx context.Context, body func(ctx context.Context) error) error {
	t := ts.owner
	depth := len(t.groups)
	t.scopes = append(t.scopes, ts)
	defer func() {
		if n := len(t.scopes); n > 0 && t.scopes[n-1] == ts {
			t.scopes = t.scopes[:n-1]
		}
		ts.loop.stopTimer(ts.timer)
	}()

	err := body(ctx)
	if leftover := t.closeGroupsDownTo(depth); leftover != nil {
		err = errors.Join(err, leftover)
	}
	return err
}

func (ts *Timeout) register(t *Task) {
	ts.tasks = append(ts.tasks, t)
	if ts.expired {
		ts.loop.cancel(t)
	}
}

func (ts *Timeout) expire() {
	if ts.exited {
		return
	}
	ts.expired = true
	pending := 0
	for _, t := range ts.tasks {
		if !t.Done() {
			pending++
			ts.loop.cancel(t)
		}
	}
	ts.loop.interrupt(ts.owner)
	ts.loop.logger.WithValues(log.Kv{"task": ts.owner.String()}).Debugf("Deadline of %s expired, cancelled %d task(s)", ts.d, pending)
	if ts.loop.obs != nil {
		ts.loop.obs.DeadlineExpired(ts.owner.ctx, pending)
	}
}

// settle waits, without honoring cancellation, for every registered task.
func (ts *Timeout) settle() {
	t := ts.owner
	for {
		var next *Task
		for _, r := range ts.tasks {
			if !r.Done() {
				next = r
				break
			}
		}
		if next == nil {
			return
		}
		w := t.newWaiter()
		next.onDone(func(*Task) { ts.loop.fire(w) })
		t.park(w, false)
	}
}

func (ts *Timeout) timeoutErr() error {
	return fmt.Errorf("%w after %s", ErrTimeout, ts.d)
}

// Expired reports whether the deadline fired before the body returned.
func (ts *Timeout) Expired() bool { return ts.expired }

// Deadline returns the absolute deadline and false when the scope is unbounded.
func (ts *Timeout) Deadline() (time.Time, bool) { return ts.deadline, ts.timer != nil }

// Tasks returns the registered tasks in spawn order.
func (ts *Timeout) Tasks() []*Task { return append([]*Task(nil), ts.tasks...) }

func (ts *Timeout) Completed() []*Task { return ts.inState(Completed) }

func (ts *Timeout) Cancelled() []*Task { return ts.inState(Cancelled) }

func (ts *Timeout) Failed() []*Task { return ts.inState(Failed) }

// Pending returns registered tasks still running, which only happens when
// the body returned before the deadline without awaiting them.
func (ts *Timeout) Pending() []*Task {
	var out []*Task
	for _, t := range ts.tasks {
		if !t.Done() {
			out = append(out, t)
		}
	}
	return out
}

func (ts *Timeout) inState(s State) []*Task {
	var out []*Task
	for _, t := range ts.tasks {
		if t.State() == s {
			out = append(out, t)
		}
	}
	return out
}
