package logobs_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/NetPo4ki/go-coscope/internal/log"
	loglogrus "github.com/NetPo4ki/go-coscope/internal/log/logrus"
	"github.com/NetPo4ki/go-coscope/observe/logobs"
	"github.com/NetPo4ki/go-coscope/scope"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newLogger(level logrus.Level) (log.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := logrus.New()
	l.Out = &buf
	l.Level = level
	l.Formatter = &logrus.TextFormatter{DisableTimestamp: true, DisableColors: true}
	return loglogrus.NewLogrus(logrus.NewEntry(l)), &buf
}

func TestObserverLogs(t *testing.T) {
	tests := map[string]struct {
		level    logrus.Level
		body     func(ctx context.Context) error
		expLines []string
		notLines []string
	}{
		"A panicking task should be logged as a warning.": {
			level: logrus.InfoLevel,
			body: func(ctx context.Context) error {
				task, err := scope.Spawn(ctx, func(ctx context.Context) (any, error) { panic("x") }, scope.WithName("bad"))
				if err != nil {
					return err
				}
				_, _ = scope.Await(ctx, task)
				return nil
			},
			expLines: []string{`level=warning msg="Task panicked"`, "task=bad", "state=failed"},
			notLines: []string{"Task started"},
		},
		"An expired deadline should be logged at info.": {
			level: logrus.InfoLevel,
			body: func(ctx context.Context) error {
				_, err := scope.WithTimeout(ctx, time.Millisecond, func(ctx context.Context) error {
					return scope.Sleep(ctx, time.Hour)
				})
				if !errors.Is(err, scope.ErrTimeout) {
					return err
				}
				return nil
			},
			expLines: []string{`msg="Deadline expired with 0 pending task(s)" svc=scope.Observer task=root`},
		},
		"Debug level should include the routine events.": {
			level: logrus.DebugLevel,
			body: func(ctx context.Context) error {
				return scope.WithGroup(ctx, func(ctx context.Context, g *scope.Group) error {
					_, err := g.Spawn(func(ctx context.Context) (any, error) { return 1, nil }, scope.WithName("child"))
					return err
				})
			},
			expLines: []string{`msg="Group opened"`, `msg="Group joined"`, `msg="Task started"`, "task=child", "svc=scope.Observer"},
		},
		"Group events should carry the owner task from the context.": {
			level: logrus.DebugLevel,
			body: func(ctx context.Context) error {
				owner, err := scope.Spawn(ctx, func(ctx context.Context) (any, error) {
					return nil, scope.WithGroup(ctx, func(context.Context, *scope.Group) error { return nil })
				}, scope.WithName("owner"))
				if err != nil {
					return err
				}
				_, err = scope.Await(ctx, owner)
				return err
			},
			expLines: []string{`msg="Group opened" svc=scope.Observer task=owner`},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			logger, buf := newLogger(test.level)
			err := scope.Run(context.Background(), test.body, scope.WithObserver(logobs.New(logger)))
			require.NoError(t, err)

			out := buf.String()
			for _, exp := range test.expLines {
				assert.Contains(t, out, exp)
			}
			for _, not := range test.notLines {
				assert.NotContains(t, out, not)
			}
		})
	}
}

func TestObserverNilLogger(t *testing.T) {
	err := scope.Run(context.Background(), func(ctx context.Context) error {
		return scope.Sleep(ctx, 0)
	}, scope.WithObserver(logobs.New(nil)))
	assert.NoError(t, err)
}
