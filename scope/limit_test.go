package scope

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMaxWorkersBound(t *testing.T) {
	t.Parallel()
	const N = 4
	const M = 32
	var cur, maxSeen atomic.Int64
	args := make([]int, M)

	err := Run(context.Background(), func(ctx context.Context) error {
		_, err := GatherBlocking(ctx, func(_ context.Context, _ int) (int, error) {
			c := cur.Add(1)
			for {
				m := maxSeen.Load()
				if c <= m || maxSeen.CompareAndSwap(m, c) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			cur.Add(-1)
			return 0, nil
		}, args)
		return err
	}, WithMaxWorkers(N))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if observed := int(maxSeen.Load()); observed > N {
		t.Fatalf("observed concurrency %d exceeds limit %d", observed, N)
	}
}

func TestWorkerPoolRunsEveryCall(t *testing.T) {
	t.Parallel()
	const M = 16
	var calls atomic.Int64
	block := make(chan struct{})

	start := time.Now()
	err := Run(context.Background(), func(ctx context.Context) error {
		g, err := Open(ctx)
		if err != nil {
			return err
		}
		for range M {
			_, err := g.Spawn(func(ctx context.Context) (any, error) {
				return Blocking(ctx, func(ctx context.Context) (any, error) {
					calls.Add(1)
					select {
					case <-block:
						return nil, nil
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				})
			})
			if err != nil {
				return err
			}
		}
		if err := Sleep(ctx, 10*time.Millisecond); err != nil {
			return err
		}
		// Calls still queued behind the bound run with a done context.
		g.Cancel()
		return g.Close()
	}, WithMaxWorkers(1))
	close(block)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := calls.Load(); got != M {
		t.Fatalf("expected %d calls, got %d", M, got)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Fatalf("expected quick abort on cancel, got %v", elapsed)
	}
}

func TestWorkerPanicAsError(t *testing.T) {
	t.Parallel()
	err := Run(context.Background(), func(ctx context.Context) error {
		_, err := Blocking(ctx, func(context.Context) (any, error) {
			panic("worker-panic")
		})
		return err
	})
	var perr *PanicError
	if !errors.As(err, &perr) || perr.Value != "worker-panic" {
		t.Fatalf("expected converted panic error, got %v", err)
	}
}
