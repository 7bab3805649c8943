package scope

import (
	"context"
	"runtime/debug"

	"golang.org/x/sync/semaphore"
)

// workerPool runs bridged calls on their own goroutines, at most n at once.
type workerPool struct {
	sem          *semaphore.Weighted
	panicAsError bool
}

func newWorkerPool(n int, panicAsError bool) *workerPool {
	if n <= 0 {
		n = 1
	}
	return &workerPool{sem: semaphore.NewWeighted(int64(n)), panicAsError: panicAsError}
}

// submit runs fn once a worker slot is free and hands its outcome to done,
// from the worker goroutine. Every submitted call runs, even if ctx is
// already done when the slot frees up; fn decides how to react to ctx.
// Unbounded calls skip the slot entirely.
func (p *workerPool) submit(ctx context.Context, fn BlockingFunc, bounded bool, done func(any, error)) {
	go func() {
		if bounded {
			// Background never fails Acquire.
			_ = p.sem.Acquire(context.Background(), 1)
			defer p.sem.Release(1)
		}

		var (
			v        any
			err      error
			returned bool
		)
		defer func() {
			if !returned {
				r := recover()
				if r != nil && !p.panicAsError {
					panic(r)
				}
				err = &PanicError{Value: r, Stack: debug.Stack()}
			}
			done(v, err)
		}()
		v, err = fn(ctx)
		returned = true
	}()
}
