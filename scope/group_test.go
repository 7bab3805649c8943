package scope

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupWaitsForAllChildren(t *testing.T) {
	t.Parallel()
	var children []*Task
	err := Run(context.Background(), func(ctx context.Context) error {
		return WithGroup(ctx, func(ctx context.Context, g *Group) error {
			for i, d := range []time.Duration{3, 1, 2} {
				task, err := g.Spawn(sleeper(d*time.Millisecond, i))
				if err != nil {
					return err
				}
				children = append(children, task)
			}
			return nil
		})
	})
	require.NoError(t, err)
	for _, c := range children {
		assert.Equal(t, Completed, c.State())
	}
}

func TestGroupFailFastCancelsSiblings(t *testing.T) {
	t.Parallel()
	errBoom := errors.New("boom")
	var fast, failing *Task
	var slow []*Task

	err := Run(context.Background(), func(ctx context.Context) error {
		g, err := Open(ctx)
		if err != nil {
			return err
		}
		if fast, err = g.Spawn(sleeper(time.Millisecond, "fast")); err != nil {
			return err
		}
		if failing, err = g.Spawn(failer(20*time.Millisecond, errBoom)); err != nil {
			return err
		}
		for range 3 {
			task, err := g.Spawn(sleeper(time.Hour, "slow"))
			if err != nil {
				return err
			}
			slow = append(slow, task)
		}
		return g.Close()
	})

	var gerr *GroupError
	require.ErrorAs(t, err, &gerr)
	require.Len(t, gerr.Errors, 1)
	assert.ErrorIs(t, gerr.Errors[0], errBoom)
	var terr *TaskError
	require.ErrorAs(t, gerr.Errors[0], &terr)
	assert.Equal(t, failing, terr.Task)

	assert.Equal(t, Completed, fast.State())
	assert.Equal(t, Failed, failing.State())
	for _, task := range slow {
		assert.Equal(t, Cancelled, task.State())
	}
}

func TestGroupCollectsEveryFailure(t *testing.T) {
	t.Parallel()
	errA := errors.New("a")
	errB := errors.New("b")

	tests := map[string]struct {
		policy      Policy
		expErrs     []error
		expSurvivor State
	}{
		"FailFast should collect failures that happen in the same round.": {
			policy:      FailFast,
			expErrs:     []error{errA, errB},
			expSurvivor: Cancelled,
		},
		"Supervisor should let siblings finish.": {
			policy:      Supervisor,
			expErrs:     []error{errA, errB},
			expSurvivor: Completed,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			var survivor *Task
			err := Run(context.Background(), func(ctx context.Context) error {
				return WithGroup(ctx, func(ctx context.Context, g *Group) error {
					if _, err := g.Spawn(failer(0, errA)); err != nil {
						return err
					}
					if _, err := g.Spawn(failer(0, errB)); err != nil {
						return err
					}
					var err error
					survivor, err = g.Spawn(sleeper(20*time.Millisecond, nil))
					return err
				}, WithPolicy(test.policy))
			})

			var gerr *GroupError
			require.ErrorAs(t, err, &gerr)
			require.Len(t, gerr.Errors, len(test.expErrs))
			for i, exp := range test.expErrs {
				assert.ErrorIs(t, gerr.Errors[i], exp)
			}
			assert.Equal(t, test.expSurvivor, survivor.State())
		})
	}
}

func TestGroupExplicitCancelClosesNormally(t *testing.T) {
	t.Parallel()
	var children []*Task
	err := Run(context.Background(), func(ctx context.Context) error {
		return WithGroup(ctx, func(ctx context.Context, g *Group) error {
			for range 3 {
				task, err := g.Spawn(sleeper(time.Hour, nil))
				if err != nil {
					return err
				}
				children = append(children, task)
			}
			if err := Sleep(ctx, time.Millisecond); err != nil {
				return err
			}
			g.Cancel()
			late, err := g.Spawn(sleeper(0, nil))
			if err != nil {
				return err
			}
			children = append(children, late)
			return nil
		})
	})
	require.NoError(t, err)
	for _, c := range children {
		assert.Equal(t, Cancelled, c.State())
	}
}

func TestGroupOwnerCancellationPropagates(t *testing.T) {
	t.Parallel()
	var child *Task
	err := Run(context.Background(), func(ctx context.Context) error {
		owner, err := Spawn(ctx, func(ctx context.Context) (any, error) {
			return nil, WithGroup(ctx, func(ctx context.Context, g *Group) error {
				var err error
				child, err = g.Spawn(sleeper(time.Hour, nil))
				return err
			})
		})
		if err != nil {
			return err
		}
		if err := Sleep(ctx, time.Millisecond); err != nil {
			return err
		}
		owner.Cancel()
		_, err = Await(ctx, owner)
		assert.ErrorIs(t, err, ErrCancelled)
		assert.Equal(t, Cancelled, owner.State())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Cancelled, child.State())
}

func TestGroupBodyErrorCancelsChildren(t *testing.T) {
	t.Parallel()
	errBody := errors.New("body")
	var child *Task
	err := Run(context.Background(), func(ctx context.Context) error {
		return WithGroup(ctx, func(ctx context.Context, g *Group) error {
			var err error
			if child, err = g.Spawn(sleeper(time.Hour, nil)); err != nil {
				return err
			}
			return errBody
		})
	})
	assert.ErrorIs(t, err, errBody)
	assert.Equal(t, Cancelled, child.State())
}

func TestGroupInvalidState(t *testing.T) {
	t.Parallel()
	err := Run(context.Background(), func(ctx context.Context) error {
		outer, err := Open(ctx, WithGroupName("outer"))
		if err != nil {
			return err
		}
		inner, err := Open(ctx, WithGroupName("inner"))
		if err != nil {
			return err
		}
		assert.ErrorIs(t, outer.Close(), ErrInvalidState)

		if err := inner.Close(); err != nil {
			return err
		}
		assert.ErrorIs(t, inner.Close(), ErrInvalidState)
		_, err = inner.Spawn(sleeper(0, nil))
		assert.ErrorIs(t, err, ErrInvalidState)

		child, err := outer.Spawn(func(ctx context.Context) (any, error) {
			return nil, outer.Close()
		})
		if err != nil {
			return err
		}
		closeErr := outer.Close()
		var gerr *GroupError
		if assert.ErrorAs(t, closeErr, &gerr) {
			assert.ErrorIs(t, gerr, ErrInvalidState)
		}
		_, err = child.Result()
		assert.ErrorIs(t, err, ErrInvalidState)
		return nil
	})
	assert.NoError(t, err)
}

func TestGroupLeftOpenIsClosedOnExit(t *testing.T) {
	t.Parallel()
	var child *Task
	err := Run(context.Background(), func(ctx context.Context) error {
		g, err := Open(ctx)
		if err != nil {
			return err
		}
		child, err = g.Spawn(sleeper(time.Hour, nil))
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "left open")
	assert.Equal(t, Cancelled, child.State())
}

func TestGroupNested(t *testing.T) {
	t.Parallel()
	errBoom := errors.New("boom")
	err := Run(context.Background(), func(ctx context.Context) error {
		return WithGroup(ctx, func(ctx context.Context, outer *Group) error {
			_, err := outer.Spawn(func(ctx context.Context) (any, error) {
				return nil, WithGroup(ctx, func(ctx context.Context, inner *Group) error {
					_, err := inner.Spawn(failer(time.Millisecond, errBoom))
					return err
				})
			})
			if err != nil {
				return err
			}
			_, err = outer.Spawn(sleeper(time.Hour, nil))
			return err
		})
	})

	var gerr *GroupError
	require.ErrorAs(t, err, &gerr)
	require.Len(t, gerr.Errors, 1)
	assert.ErrorIs(t, err, errBoom)
}
