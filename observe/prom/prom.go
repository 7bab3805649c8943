// Package prom exports the engine lifecycle as Prometheus metrics.
package prom

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/NetPo4ki/go-coscope/scope"
)

const namespace = "coscope"

// Metrics implements scope.Observer on top of Prometheus collectors.
type Metrics struct {
	// tasks
	activeTasks   prometheus.Gauge
	tasksStarted  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	tasksPanicked prometheus.Counter
	taskDuration  *prometheus.HistogramVec

	// groups
	groupsOpened    prometheus.Counter
	groupsCancelled prometheus.Counter
	joinWait        prometheus.Histogram

	// timeouts and teardown
	deadlinesExpired prometheus.Counter
	deadlineCancels  prometheus.Counter
	unobserved       prometheus.Counter
}

var _ scope.Observer = (*Metrics)(nil)

// New returns a Metrics observer with its collectors registered on reg.
// A nil reg leaves the collectors unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		activeTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "active",
			Help:      "Tasks started and not yet terminal.",
		}),
		tasksStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "started_total",
			Help:      "Tasks scheduled for the first time.",
		}),
		tasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "finished_total",
			Help:      "Tasks that reached a terminal state, by state.",
		}, []string{"state"}),
		tasksPanicked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "panics_total",
			Help:      "Task bodies that panicked.",
		}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Time from first schedule to terminal state, by state.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"state"}),
		groupsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "group",
			Name:      "opened_total",
			Help:      "Groups opened.",
		}),
		groupsCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "group",
			Name:      "cancelled_total",
			Help:      "Groups whose children were cancelled.",
		}),
		joinWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "group",
			Name:      "join_wait_seconds",
			Help:      "Time spent in Close waiting for children.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		deadlinesExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timeout",
			Name:      "expired_total",
			Help:      "Timeout scopes whose deadline fired.",
		}),
		deadlineCancels: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timeout",
			Name:      "cancelled_tasks_total",
			Help:      "Tasks cancelled by an expired deadline.",
		}),
		unobserved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "unobserved_failures_total",
			Help:      "Task failures nobody awaited before shutdown.",
		}),
	}
}

func (m *Metrics) GroupOpened(_ context.Context) { m.groupsOpened.Inc() }

func (m *Metrics) GroupCancelled(_ context.Context, _ error) { m.groupsCancelled.Inc() }

func (m *Metrics) GroupJoined(_ context.Context, wait time.Duration) {
	m.joinWait.Observe(wait.Seconds())
}

func (m *Metrics) TaskStarted(_ context.Context, _ string) {
	m.activeTasks.Inc()
	m.tasksStarted.Inc()
}

// TaskFinished labels by state only; task names are unbounded.
func (m *Metrics) TaskFinished(_ context.Context, _ string, dur time.Duration, state scope.State, panicked bool) {
	m.activeTasks.Dec()
	m.tasksFinished.WithLabelValues(state.String()).Inc()
	m.taskDuration.WithLabelValues(state.String()).Observe(dur.Seconds())
	if panicked {
		m.tasksPanicked.Inc()
	}
}

func (m *Metrics) DeadlineExpired(_ context.Context, pending int) {
	m.deadlinesExpired.Inc()
	m.deadlineCancels.Add(float64(pending))
}

func (m *Metrics) FailureUnobserved(_ context.Context, _ string, _ error) { m.unobserved.Inc() }
