// Package logobs reports the engine lifecycle as structured log lines.
package logobs

import (
	"context"
	"time"

	"github.com/NetPo4ki/go-coscope/internal/log"
	"github.com/NetPo4ki/go-coscope/scope"
)

// Observer logs lifecycle events. Routine events go to debug, cancellations
// and expired deadlines to info and lost failures to warning.
type Observer struct {
	logger log.Logger
}

var _ scope.Observer = (*Observer)(nil)

// New returns an Observer logging through logger.
func New(logger log.Logger) *Observer {
	if logger == nil {
		logger = log.Noop
	}
	return &Observer{logger: logger.WithValues(log.Kv{"svc": "scope.Observer"})}
}

func (o *Observer) GroupOpened(ctx context.Context) {
	o.logger.WithCtxValues(ctx).Debugf("Group opened")
}

func (o *Observer) GroupCancelled(ctx context.Context, cause error) {
	o.logger.WithCtxValues(ctx).Infof("Group cancelled: %v", cause)
}

func (o *Observer) GroupJoined(ctx context.Context, wait time.Duration) {
	o.logger.WithCtxValues(ctx).WithValues(log.Kv{"wait": wait}).Debugf("Group joined")
}

func (o *Observer) TaskStarted(ctx context.Context, name string) {
	o.logger.WithCtxValues(ctx).WithValues(log.Kv{"task": name}).Debugf("Task started")
}

func (o *Observer) TaskFinished(ctx context.Context, name string, dur time.Duration, state scope.State, panicked bool) {
	l := o.logger.WithCtxValues(ctx).WithValues(log.Kv{"task": name, "state": state.String(), "duration": dur})
	switch {
	case panicked:
		l.Warningf("Task panicked")
	case state == scope.Failed:
		l.Infof("Task failed")
	default:
		l.Debugf("Task finished")
	}
}

func (o *Observer) DeadlineExpired(ctx context.Context, pending int) {
	o.logger.WithCtxValues(ctx).Infof("Deadline expired with %d pending task(s)", pending)
}

func (o *Observer) FailureUnobserved(ctx context.Context, name string, err error) {
	o.logger.WithCtxValues(ctx).WithValues(log.Kv{"task": name}).Warningf("Unobserved task failure: %v", err)
}
