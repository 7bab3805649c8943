package scope

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/NetPo4ki/go-coscope/internal/log"
)

// Group owns the tasks spawned into it. Close is the join point: it waits
// for every child, cancelling the rest as soon as one fails (FailFast), and
// reports all failures at once.
type Group struct {
	loop     *loop
	owner    *Task
	opts     groupOptions
	openedAt time.Time

	children  []*Task
	pending   int
	waiter    *waiter
	failed    bool
	cancelled bool
	cancelReq atomic.Bool
	closed    bool
}

// Open starts a group owned by the task running ctx. Groups of one task nest
// like a stack: the innermost open group must be closed first.
func Open(ctx context.Context, opts ...GroupOption) (*Group, error) {
	t, err := current(ctx)
	if err != nil {
		return nil, err
	}
	o := groupOptions{policy: FailFast}
	for _, opt := range opts {
		opt(&o)
	}
	g := &Group{loop: t.loop, owner: t, opts: o, openedAt: time.Now()}
	t.groups = append(t.groups, g)
	if g.loop.obs != nil {
		g.loop.obs.GroupOpened(t.ctx)
	}
	return g, nil
}

// WithGroup opens a group, runs body and always closes the group, on every
// exit path. A body error cancels the children.
func WithGroup(ctx context.Context, body func(ctx context.Context, g *Group) error, opts ...GroupOption) error {
	g, err := Open(ctx, opts...)
	if err != nil {
		return err
	}
	t := g.owner
	depth := len(t.groups)

	bodyErr := body(ctx, g)
	if g.closed {
		return bodyErr
	}
	if leftover := t.closeGroupsDownTo(depth); leftover != nil {
		bodyErr = errors.Join(bodyErr, leftover)
	}
	if bodyErr != nil {
		g.cancelChildren(bodyErr)
	}
	closeErr := g.close()

	var ge *GroupError
	switch {
	case errors.As(closeErr, &ge):
		if bodyErr != nil && !isCancellation(bodyErr) {
			return &GroupError{Errors: append([]error{bodyErr}, ge.Errors...)}
		}
		return closeErr
	case bodyErr != nil:
		return bodyErr
	}
	return closeErr
}

func (g *Group) String() string {
	if g.opts.name != "" {
		return g.opts.name
	}
	return fmt.Sprintf("group(%s)", g.owner)
}

// Tasks returns the children in spawn order.
func (g *Group) Tasks() []*Task {
	return append([]*Task(nil), g.children...)
}

// Spawn creates a child task owned by g. It fails with ErrInvalidState once
// g is closed. A child spawned after the group failed or was cancelled starts
// with a pending cancellation request.
func (g *Group) Spawn(fn Func, opts ...TaskOption) (*Task, error) {
	if g.closed {
		return nil, invalidState("spawn into closed group %s", g)
	}
	spawner := g.loop.current
	if spawner == nil {
		return nil, invalidState("spawn into group %s outside of a running task", g)
	}
	if fn == nil {
		return nil, invalidState("nil task body")
	}
	var o taskOptions
	for _, opt := range opts {
		opt(&o)
	}
	child := g.loop.spawn(spawner, fn, o)
	g.children = append(g.children, child)
	g.pending++
	if g.cancelReq.Load() || (g.failed && g.opts.policy == FailFast) {
		g.loop.cancel(child)
	}
	child.onDone(g.childDone)
	return child, nil
}

// Cancel requests cancellation of every child still running. Close then
// completes normally unless a child failed. Safe from any goroutine.
func (g *Group) Cancel() {
	if g.cancelReq.Swap(true) {
		return
	}
	g.loop.post(func() { g.cancelChildren(ErrCancelled) })
}

// Close waits for every child to reach a terminal state. It returns a
// *GroupError holding every child failure, ErrCancelled if the owner task
// was cancelled while the group was open, or nil.
func (g *Group) Close() error {
	if g.closed {
		return invalidState("group %s already closed", g)
	}
	t := g.loop.current
	if t != g.owner {
		return invalidState("group %s must be closed by its owner task %s", g, g.owner)
	}
	if top := t.groups[len(t.groups)-1]; top != g {
		return invalidState("group %s closed while inner group %s is open", g, top)
	}
	return g.close()
}

func (g *Group) close() error {
	t := g.owner
	start := time.Now()
	propagated := false
	for g.pending > 0 {
		if !propagated && t.cancelPending() {
			g.cancelChildren(ErrCancelled)
			propagated = true
		}
		g.waiter = t.newWaiter()
		t.park(g.waiter, !propagated)
	}
	g.waiter = nil
	g.closed = true
	t.groups = t.groups[:len(t.groups)-1]
	if g.loop.obs != nil {
		g.loop.obs.GroupJoined(t.ctx, time.Since(start))
	}

	var errs []error
	for _, c := range g.children {
		if c.State() == Failed {
			c.observed.Store(true)
			errs = append(errs, &TaskError{Task: c, Err: c.err})
		}
	}
	if len(errs) > 0 {
		g.loop.logger.WithValues(log.Kv{"group": g.String()}).Debugf("Group failed with %d error(s)", len(errs))
		return &GroupError{Errors: errs}
	}
	if t.cancelPending() {
		return ErrCancelled
	}
	return nil
}

func (g *Group) childDone(c *Task) {
	g.pending--
	if c.State() == Failed {
		g.failed = true
		if g.opts.policy == FailFast {
			g.cancelChildren(&TaskError{Task: c, Err: c.err})
		}
	}
	if g.waiter != nil {
		g.loop.fire(g.waiter)
	}
}

func (g *Group) cancelChildren(cause error) {
	for _, c := range g.children {
		if !c.Done() {
			g.loop.cancel(c)
		}
	}
	if !g.cancelled {
		g.cancelled = true
		if g.loop.obs != nil {
			g.loop.obs.GroupCancelled(g.owner.ctx, cause)
		}
	}
}
