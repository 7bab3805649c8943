package scope

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/NetPo4ki/go-coscope/internal/log"
)

// State is the lifecycle state of a task. Terminal states are final.
type State int32

const (
	Pending State = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether s is Completed, Failed or Cancelled.
func (s State) Terminal() bool { return s >= Completed }

// Func is the body of a task. The context identifies the running task and
// must be passed to the suspension primitives (Await, Sleep, Wait, Blocking...).
// A body must never block on anything but those primitives.
type Func func(ctx context.Context) (any, error)

// Task is a handle to one unit of cooperative work and its outcome.
type Task struct {
	id   string
	name string
	seq  uint64
	loop *loop
	fn   Func
	ctx  context.Context

	state     atomic.Int32
	result    any
	err       error
	observed  atomic.Bool
	cancelReq atomic.Bool
	finishSeq uint64
	callbacks []func(*Task)

	started     bool
	startedAt   time.Time
	resume      chan struct{}
	parked      bool
	cancellable bool
	waiter      *waiter
	scopes      []*Timeout
	groups      []*Group
}

// waiter is one suspension of a task. It fires at most once.
type waiter struct {
	t     *Task
	fired bool
}

type taskKey struct{}

// ID returns the task's unique identifier.
func (t *Task) ID() string { return t.id }

// Name returns the display name given with WithName, if any.
func (t *Task) Name() string { return t.name }

func (t *Task) String() string {
	if t.name != "" {
		return t.name
	}
	return t.id
}

// State may be read from any goroutine.
func (t *Task) State() State { return State(t.state.Load()) }

// Done reports whether the task reached a terminal state.
func (t *Task) Done() bool { return t.State().Terminal() }

// Result returns the outcome of a terminal task: its value, a *TaskError
// wrapping its failure, or a *TaskError wrapping ErrCancelled.
// Reading a failure marks it as observed.
func (t *Task) Result() (any, error) {
	if !t.Done() {
		return nil, invalidState("task %s is %s", t, t.State())
	}
	return t.outcome()
}

// Err is like Result but drops the value. It returns nil for a task that is
// not terminal yet.
func (t *Task) Err() error {
	if !t.Done() {
		return nil
	}
	_, err := t.outcome()
	return err
}

// Cancel requests cancellation. The task observes it at its next suspension
// point; a body that finishes first completes normally. Safe from any goroutine.
func (t *Task) Cancel() {
	if t.cancelReq.Swap(true) {
		return
	}
	t.loop.post(func() { t.loop.interrupt(t) })
}

// OnDone registers fn to run once, in registration order, after the task
// reaches a terminal state. fn runs immediately if the task is already done.
// It must be called from a task of the same loop.
func (t *Task) OnDone(fn func(*Task)) {
	if fn == nil {
		return
	}
	t.onDone(fn)
}

func (t *Task) onDone(fn func(*Task)) {
	if t.Done() {
		fn(t)
		return
	}
	t.callbacks = append(t.callbacks, fn)
}

func (t *Task) outcome() (any, error) {
	switch t.State() {
	case Completed:
		return t.result, nil
	case Failed:
		t.observed.Store(true)
		return nil, &TaskError{Task: t, Err: t.err}
	}
	return nil, &TaskError{Task: t, Err: ErrCancelled}
}

func (t *Task) cancelPending() bool {
	return t.cancelReq.Load() || t.scopeExpired()
}

func (t *Task) scopeExpired() bool {
	for _, ts := range t.scopes {
		if ts.expired {
			return true
		}
	}
	return false
}

func (t *Task) newWaiter() *waiter {
	w := &waiter{t: t}
	t.waiter = w
	return w
}

// park gives the baton back to the loop until w fires or, if cancellable,
// until a cancellation request interrupts the task.
func (t *Task) park(w *waiter, cancellable bool) {
	if w.fired || (cancellable && t.cancelPending()) {
		return
	}
	t.parked = true
	t.cancellable = cancellable
	t.loop.yield <- struct{}{}
	<-t.resume
	if t.loop.aborted {
		runtime.Goexit()
	}
}

func (t *Task) run() {
	<-t.resume

	var (
		v        any
		err      error
		returned bool
		panicked bool
	)
	defer func() {
		if !returned {
			switch r := recover(); {
			case r != nil:
				panicked = true
				if !t.loop.opts.PanicAsError {
					panic(r)
				}
				err = &PanicError{Value: r, Stack: debug.Stack()}
			case t.loop.aborted:
				err = ErrCancelled
			default:
				err = invalidState("task %s exited without returning", t)
			}
		}
		// Closing groups would park again.
		if !t.loop.aborted {
			if leftover := t.closeGroupsDownTo(0); leftover != nil {
				err = errors.Join(err, leftover)
			}
		}
		t.finish(v, err, panicked)
		t.loop.yield <- struct{}{}
	}()

	v, err = t.fn(t.ctx)
	returned = true
}

func (t *Task) finish(v any, err error, panicked bool) {
	l := t.loop
	switch {
	case err == nil:
		t.result = v
		t.state.Store(int32(Completed))
	case isCancellation(err) && t.cancelPending():
		t.err = ErrCancelled
		t.state.Store(int32(Cancelled))
	default:
		t.err = err
		t.state.Store(int32(Failed))
		l.failed[t.seq] = t
		l.logger.WithValues(log.Kv{"task": t.String()}).Debugf("Task failed: %v", err)
	}
	l.finishSeq++
	t.finishSeq = l.finishSeq
	delete(l.live, t.seq)

	if l.obs != nil {
		l.obs.TaskFinished(t.ctx, t.String(), time.Since(t.startedAt), t.State(), panicked)
	}

	cbs := t.callbacks
	t.callbacks = nil
	for _, cb := range cbs {
		cb(t)
	}
}

// closeGroupsDownTo cancels and closes the groups t left open above depth.
func (t *Task) closeGroupsDownTo(depth int) error {
	var errs []error
	for len(t.groups) > depth {
		g := t.groups[len(t.groups)-1]
		errs = append(errs, invalidState("group %s left open by task %s", g, t))
		g.cancelChildren(ErrCancelled)
		if err := g.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *loop) spawn(parent *Task, fn Func, o taskOptions) *Task {
	l.spawnSeq++
	t := &Task{
		id:     ulid.Make().String(),
		name:   o.name,
		seq:    l.spawnSeq,
		loop:   l,
		fn:     fn,
		resume: make(chan struct{}),
	}
	t.ctx = log.CtxWithValues(context.WithValue(l.ctx, taskKey{}, t), log.Kv{"task": t.String()})
	t.state.Store(int32(Pending))
	if l.draining {
		t.cancelReq.Store(true)
	}
	l.live[t.seq] = t
	if parent != nil {
		// Descendants belong to every timeout scope still open above them.
		for _, ts := range parent.scopes {
			if ts.exited {
				continue
			}
			t.scopes = append(t.scopes, ts)
			ts.register(t)
		}
	}
	l.ready = append(l.ready, t)
	return t
}

func current(ctx context.Context) (*Task, error) {
	if ctx == nil {
		return nil, ErrNotInTask
	}
	t, _ := ctx.Value(taskKey{}).(*Task)
	if t == nil {
		return nil, ErrNotInTask
	}
	if t.loop.current != t {
		return nil, invalidState("task %s is not the running task", t)
	}
	return t, nil
}

// Current returns the task ctx belongs to, or nil.
func Current(ctx context.Context) *Task {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(taskKey{}).(*Task)
	return t
}

// Spawn registers fn as a new task of the caller's loop. The task starts no
// later than the next scheduling round.
func Spawn(ctx context.Context, fn Func, opts ...TaskOption) (*Task, error) {
	parent, err := current(ctx)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, invalidState("nil task body")
	}
	var o taskOptions
	for _, opt := range opts {
		opt(&o)
	}
	return parent.loop.spawn(parent, fn, o), nil
}

// Await suspends the calling task until target is terminal and returns its
// outcome. The caller's own pending cancellation is honored first.
func Await(ctx context.Context, target *Task) (any, error) {
	t, err := current(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case target == nil:
		return nil, invalidState("await of nil task")
	case target == t:
		return nil, invalidState("task %s awaits itself", t)
	case target.loop != t.loop:
		return nil, invalidState("task %s belongs to another loop", target)
	}
	if t.cancelPending() {
		return nil, ErrCancelled
	}
	for !target.Done() {
		w := t.newWaiter()
		target.onDone(func(*Task) { t.loop.fire(w) })
		t.park(w, true)
		if !w.fired && t.cancelPending() {
			return nil, ErrCancelled
		}
	}
	return target.outcome()
}

// AwaitValue is Await with the result asserted to T.
func AwaitValue[T any](ctx context.Context, target *Task) (T, error) {
	var zero T
	v, err := Await(ctx, target)
	if err != nil || v == nil {
		return zero, err
	}
	tv, ok := v.(T)
	if !ok {
		return zero, invalidState("task %s result is %T, not %T", target, v, zero)
	}
	return tv, nil
}

// Sleep suspends the calling task for at least d. d <= 0 only yields to the
// other ready tasks.
func Sleep(ctx context.Context, d time.Duration) error {
	t, err := current(ctx)
	if err != nil {
		return err
	}
	if t.cancelPending() {
		return ErrCancelled
	}
	l := t.loop
	w := t.newWaiter()
	tm := l.addTimer(time.Now().Add(max(d, 0)), w, nil)
	t.park(w, true)
	if !w.fired {
		l.stopTimer(tm)
		return ErrCancelled
	}
	return nil
}

// Checkpoint yields once and reports a pending cancellation.
func Checkpoint(ctx context.Context) error {
	return Sleep(ctx, 0)
}
