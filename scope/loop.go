package scope

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/NetPo4ki/go-coscope/internal/log"
)

// loop is the single cooperative scheduler. Exactly one of the loop
// goroutine or the task holding the baton runs at any moment, so the fields
// below the mutex need no locking.
type loop struct {
	ctx    context.Context
	opts   Options
	obs    Observer
	logger Logger
	pool   *workerPool

	mu     sync.Mutex
	inbox  []func()
	notify chan struct{}

	yield   chan struct{}
	current *Task
	root    *Task

	ready     []*Task
	timers    timerQueue
	timerSeq  uint64
	spawnSeq  uint64
	finishSeq uint64
	live      map[uint64]*Task
	failed    map[uint64]*Task
	inflight  int

	draining   bool
	deadlocked bool
	aborted    bool
}

// Run executes body as the root task of a new loop and drives every task it
// spawns. When the root finishes, the remaining tasks are cancelled and
// awaited before Run returns. Failures nobody observed are joined to the
// result as an *UnobservedError.
func Run(ctx context.Context, body func(ctx context.Context) error, optFns ...Option) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if body == nil {
		return invalidState("nil root body")
	}
	l := newLoop(ctx, optFns...)
	l.root = l.spawn(nil, func(ctx context.Context) (any, error) {
		return nil, body(ctx)
	}, taskOptions{name: "root"})

	l.run()

	var err error
	switch l.root.State() {
	case Failed:
		l.root.observed.Store(true)
		err = l.root.err
	case Cancelled:
		err = ErrCancelled
		if ctx.Err() != nil {
			err = ctx.Err()
		}
	}
	if l.deadlocked {
		err = errors.Join(ErrDeadlock, err)
	}
	if unobserved := l.unobserved(); unobserved != nil {
		err = errors.Join(err, unobserved)
	}
	return err
}

func newLoop(ctx context.Context, optFns ...Option) *loop {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.Noop
	}
	return &loop{
		ctx:    ctx,
		opts:   opts,
		obs:    opts.Observer,
		logger: opts.Logger.WithValues(log.Kv{"svc": "scope.Loop"}),
		pool:   newWorkerPool(opts.MaxWorkers, opts.PanicAsError),
		notify: make(chan struct{}, 1),
		yield:  make(chan struct{}),
		live:   make(map[uint64]*Task),
		failed: make(map[uint64]*Task),
	}
}

func (l *loop) run() {
	ctxDone := l.ctx.Done()
	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			l.logger.Debugf("Context done, cancelling root task")
			l.cancel(l.root)
		default:
		}

		l.drainInbox()
		l.fireTimers(time.Now())

		if len(l.ready) > 0 {
			batch := l.ready
			l.ready = nil
			for _, t := range batch {
				l.step(t)
			}
			continue
		}

		if l.root.State().Terminal() {
			if len(l.live) == 0 && l.inflight == 0 {
				return
			}
			if !l.draining {
				l.draining = true
				l.cancelAll()
				continue
			}
		}

		if l.timers.Len() == 0 && l.inflight == 0 && !l.hasInbox() {
			if l.deadlocked {
				l.logger.Errorf("Deadlock: %d task(s) can never be resumed", len(l.live))
				l.abort()
				return
			}
			l.deadlocked = true
			l.logger.Warningf("No task can make progress, cancelling %d task(s)", len(l.live))
			l.cancelAll()
			continue
		}

		ctxDone = l.wait(ctxDone)
	}
}

// wait blocks until the next timer is due, a post arrives or ctxDone fires.
func (l *loop) wait(ctxDone <-chan struct{}) <-chan struct{} {
	var timerC <-chan time.Time
	if tm, ok := l.timers.peek(); ok {
		d := time.Until(tm.at)
		if d <= 0 {
			return ctxDone
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timerC = t.C
	}
	select {
	case <-timerC:
	case <-l.notify:
	case <-ctxDone:
		l.logger.Debugf("Context done, cancelling root task")
		l.cancel(l.root)
		return nil
	}
	return ctxDone
}

// post queues fn to run on the loop goroutine. Safe from any goroutine.
func (l *loop) post(fn func()) {
	l.mu.Lock()
	l.inbox = append(l.inbox, fn)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *loop) hasInbox() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inbox) > 0
}

func (l *loop) drainInbox() {
	l.mu.Lock()
	fns := l.inbox
	l.inbox = nil
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// step hands the baton to t until it suspends or finishes.
func (l *loop) step(t *Task) {
	if t.State().Terminal() {
		return
	}
	l.current = t
	defer func() { l.current = nil }()

	if !t.started {
		t.started = true
		t.startedAt = time.Now()
		if l.obs != nil {
			l.obs.TaskStarted(t.ctx, t.String())
		}
		if t.cancelPending() {
			t.finish(nil, ErrCancelled, false)
			return
		}
		t.state.Store(int32(Running))
		go t.run()
	}
	t.resume <- struct{}{}
	<-l.yield
}

func (l *loop) makeReady(t *Task) {
	t.parked = false
	l.ready = append(l.ready, t)
}

// fire completes w and schedules its task if it is parked on it.
func (l *loop) fire(w *waiter) {
	t := w.t
	if w.fired || t.waiter != w {
		return
	}
	w.fired = true
	if t.parked {
		l.makeReady(t)
	}
}

// interrupt wakes t if it is parked at a cancellable suspension point.
func (l *loop) interrupt(t *Task) {
	if !t.parked || !t.cancellable {
		return
	}
	t.waiter = nil
	l.makeReady(t)
}

func (l *loop) cancel(t *Task) {
	t.cancelReq.Store(true)
	l.interrupt(t)
}

func (l *loop) cancelAll() {
	for _, t := range sortedTasks(l.live) {
		l.cancel(t)
	}
}

// abort unwinds the goroutines of tasks that can never be resumed. Each one
// exits from its suspension point with its deferred calls run, one at a time,
// and ends Cancelled.
func (l *loop) abort() {
	l.aborted = true
	for _, t := range sortedTasks(l.live) {
		if !t.started {
			continue
		}
		t.cancelReq.Store(true)
		l.current = t
		t.resume <- struct{}{}
		<-l.yield
	}
	l.current = nil
}

func (l *loop) unobserved() error {
	var errs []error
	for _, t := range sortedTasks(l.failed) {
		if t.observed.Load() {
			continue
		}
		l.logger.WithValues(log.Kv{"task": t.String()}).Warningf("Task failure was never observed: %v", t.err)
		if l.obs != nil {
			l.obs.FailureUnobserved(t.ctx, t.String(), t.err)
		}
		errs = append(errs, &TaskError{Task: t, Err: t.err})
	}
	if len(errs) == 0 {
		return nil
	}
	return &UnobservedError{Errors: errs}
}

func sortedTasks(m map[uint64]*Task) []*Task {
	tasks := make([]*Task, 0, len(m))
	for _, t := range m {
		tasks = append(tasks, t)
	}
	slices.SortFunc(tasks, func(a, b *Task) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return tasks
}
