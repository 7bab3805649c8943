// Package errgroup provides an adapter that mimics golang.org/x/sync/errgroup
// semantics on top of the cooperative engine. Every function passed to Go
// runs as a bridged task of one group, so existing errgroup call sites can
// migrate without changing shape.
package errgroup

import (
	"context"
	"math"
	"sync"

	"github.com/NetPo4ki/go-coscope/scope"
)

// Group is an errgroup-like wrapper over a scope.Group driven by its own loop.
type Group struct {
	cancel context.CancelCauseFunc
	funcs  chan func() error
	done   chan struct{}

	mu     sync.Mutex
	closed bool

	errOnce sync.Once
	err     error
}

// WithContext creates a Group bound to ctx. The returned context is canceled
// when any function passed to Go returns a non-nil error or when Wait
// returns, whichever occurs first. opts configure the underlying loop.
func WithContext(ctx context.Context, opts ...scope.Option) (*Group, context.Context) {
	gctx, cancel := context.WithCancelCause(ctx)
	g := &Group{
		cancel: cancel,
		funcs:  make(chan func() error),
		done:   make(chan struct{}),
	}
	// Like errgroup, functions are not limited.
	opts = append([]scope.Option{scope.WithMaxWorkers(math.MaxInt32)}, opts...)
	go g.run(context.WithoutCancel(ctx), opts)
	return g, gctx
}

// Go starts a function. It should return a non-nil error to signal failure.
// Go must not be called after Wait.
func (g *Group) Go(f func() error) {
	if f == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		panic("errgroup: Go called after Wait")
	}
	g.funcs <- f
}

// Wait blocks until all functions have returned. It returns the first non-nil
// error or nil on success.
func (g *Group) Wait() error {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		close(g.funcs)
	}
	g.mu.Unlock()

	<-g.done
	g.cancel(g.err)
	return g.err
}

func (g *Group) run(ctx context.Context, opts []scope.Option) {
	defer close(g.done)
	err := scope.Run(ctx, func(ctx context.Context) error {
		// Supervisor keeps running functions handed over after a failure,
		// as errgroup does; the first error reaches callers through gctx.
		return scope.WithGroup(ctx, g.serve, scope.WithPolicy(scope.Supervisor), scope.WithGroupName("errgroup"))
	}, opts...)
	if err != nil {
		g.fail(err)
	}
}

func (g *Group) serve(ctx context.Context, sg *scope.Group) error {
	for {
		v, err := scope.Blocking(ctx, func(context.Context) (any, error) {
			f, ok := <-g.funcs
			if !ok {
				return nil, nil
			}
			return f, nil
		}, scope.Unbounded())
		if err != nil {
			return err
		}
		f, ok := v.(func() error)
		if !ok {
			return nil
		}
		_, err = sg.Spawn(func(ctx context.Context) (any, error) {
			return scope.Blocking(ctx, func(context.Context) (any, error) {
				return nil, g.call(f)
			})
		})
		if err != nil {
			return err
		}
	}
}

func (g *Group) call(f func() error) error {
	err := f()
	if err != nil {
		g.fail(err)
	}
	return err
}

func (g *Group) fail(err error) {
	g.errOnce.Do(func() {
		g.err = err
		g.cancel(err)
	})
}
