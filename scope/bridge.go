package scope

import (
	"context"
)

// BlockingFunc is a call that may block the goroutine it runs on: file or
// network I/O, syscalls, CPU bound work. It runs on a worker goroutine and
// must honor ctx to be cancellable.
type BlockingFunc func(ctx context.Context) (any, error)

// BlockingOption configures a single bridged call.
type BlockingOption func(*blockingOptions)

type blockingOptions struct {
	unbounded bool
}

// Unbounded runs the call outside the worker limit. It is meant for calls
// that mostly wait on the outside world for an unknown time, like accepting
// connections or reading from idle peers, which would otherwise hold a
// worker slot and starve short calls.
func Unbounded() BlockingOption { return func(o *blockingOptions) { o.unbounded = true } }

// Blocking runs fn on the worker pool and suspends the calling task until fn
// returns. Other tasks keep running meanwhile.
//
// A cancellation request cancels the context handed to fn, but Blocking still
// waits for fn to return. When fn returns an error after such a request the
// result is ErrCancelled; a nil error wins the race and the value is returned.
func Blocking(ctx context.Context, fn BlockingFunc, opts ...BlockingOption) (any, error) {
	t, err := current(ctx)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, invalidState("nil blocking func")
	}
	if t.cancelPending() {
		return nil, ErrCancelled
	}
	l := t.loop
	var o blockingOptions
	for _, opt := range opts {
		opt(&o)
	}

	// Only the task's own cancellation reaches the worker: the loop context
	// ending cancels the tasks first, which then cancel their calls. Workers
	// must not reach the engine through their context either.
	wctx, cancel := context.WithCancel(context.WithValue(context.WithoutCancel(l.ctx), taskKey{}, (*Task)(nil)))
	defer cancel()

	var (
		v         any
		callErr   error
		finished  bool
		w         *waiter
		cancelled bool
	)
	l.inflight++
	l.pool.submit(wctx, fn, !o.unbounded, func(rv any, rerr error) {
		l.post(func() {
			l.inflight--
			v, callErr, finished = rv, rerr, true
			if w != nil {
				l.fire(w)
			}
		})
	})

	for !finished {
		w = t.newWaiter()
		t.park(w, !cancelled)
		if !finished && !cancelled && t.cancelPending() {
			cancelled = true
			cancel()
		}
	}
	switch {
	case callErr == nil:
		return v, nil
	case cancelled || t.cancelPending():
		return nil, ErrCancelled
	}
	return nil, callErr
}

// RunBlocking spawns a task whose whole body is fn run through Blocking,
// within the worker limit.
func RunBlocking(ctx context.Context, fn BlockingFunc, opts ...TaskOption) (*Task, error) {
	if fn == nil {
		return nil, invalidState("nil blocking func")
	}
	return Spawn(ctx, func(ctx context.Context) (any, error) {
		return Blocking(ctx, fn)
	}, opts...)
}

// GatherBlocking runs fn once per argument, each on the worker pool inside
// one FailFast group, and returns the results in argument order. The first
// failure cancels the remaining calls and is reported in a *GroupError.
func GatherBlocking[A, R any](ctx context.Context, fn func(ctx context.Context, arg A) (R, error), args []A) ([]R, error) {
	if fn == nil {
		return nil, invalidState("nil blocking func")
	}
	results := make([]R, len(args))
	err := WithGroup(ctx, func(ctx context.Context, g *Group) error {
		for i, arg := range args {
			_, err := g.Spawn(func(ctx context.Context) (any, error) {
				v, err := Blocking(ctx, func(ctx context.Context) (any, error) {
					return fn(ctx, arg)
				})
				if err != nil {
					return nil, err
				}
				results[i], _ = v.(R)
				return nil, nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	}, WithPolicy(FailFast))
	if err != nil {
		return nil, err
	}
	return results, nil
}
