package scope

import (
	"context"
	"runtime"
	"time"

	"github.com/NetPo4ki/go-coscope/internal/log"
)

// Policy decides how a group reacts to a failing child.
type Policy int

const (
	// FailFast cancels every other active child as soon as one fails.
	FailFast Policy = iota
	// Supervisor lets siblings run to completion; failures are still collected.
	Supervisor
)

func (p Policy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case Supervisor:
		return "supervisor"
	}
	return "unknown"
}

// Logger is the logger accepted by the engine.
type Logger = log.Logger

type Option func(*Options)

type Options struct {
	PanicAsError bool
	Observer     Observer
	Logger       Logger
	MaxWorkers   int
}

func defaultOptions() Options {
	return Options{
		PanicAsError: true,
		Logger:       log.Noop,
		MaxWorkers:   defaultMaxWorkers(),
	}
}

func WithPanicAsError(v bool) Option { return func(o *Options) { o.PanicAsError = v } }

func WithObserver(obs Observer) Option { return func(o *Options) { o.Observer = obs } }

func WithLogger(l Logger) Option { return func(o *Options) { o.Logger = l } }

// defaultMaxWorkers sizes the pool for I/O bound calls, which spend most of
// their time waiting rather than on a CPU.
func defaultMaxWorkers() int { return min(32, runtime.GOMAXPROCS(0)+4) }

// WithMaxWorkers bounds how many blocking calls run at the same time.
// The default is min(32, GOMAXPROCS+4).
func WithMaxWorkers(n int) Option { return func(o *Options) { o.MaxWorkers = n } }

type Observer interface {
	GroupOpened(ctx context.Context)
	GroupCancelled(ctx context.Context, cause error)
	GroupJoined(ctx context.Context, wait time.Duration)
	TaskStarted(ctx context.Context, name string)
	TaskFinished(ctx context.Context, name string, dur time.Duration, state State, panicked bool)
	DeadlineExpired(ctx context.Context, pending int)
	FailureUnobserved(ctx context.Context, name string, err error)
}

type TaskOption func(*taskOptions)

type taskOptions struct {
	name string
}

// WithName gives the task a display name used in errors, logs and metrics.
func WithName(name string) TaskOption { return func(o *taskOptions) { o.name = name } }

type GroupOption func(*groupOptions)

type groupOptions struct {
	policy Policy
	name   string
}

// WithPolicy selects the failure policy of a group. FailFast is the default.
func WithPolicy(p Policy) GroupOption { return func(o *groupOptions) { o.policy = p } }

// WithGroupName names a group for logs.
func WithGroupName(name string) GroupOption { return func(o *groupOptions) { o.name = name } }
