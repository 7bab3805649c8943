package scope

import (
	"container/heap"
	"time"
)

// timer either wakes a parked task (w) or runs a loop-side callback (fn).
type timer struct {
	at    time.Time
	seq   uint64
	w     *waiter
	fn    func()
	index int
}

// timerQueue orders timers by deadline, then by registration order.
type timerQueue []*timer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	tm := x.(*timer)
	tm.index = len(*q)
	*q = append(*q, tm)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	tm := old[n-1]
	old[n-1] = nil
	tm.index = -1
	*q = old[:n-1]
	return tm
}

func (q timerQueue) peek() (*timer, bool) {
	if len(q) == 0 {
		return nil, false
	}
	return q[0], true
}

func (l *loop) addTimer(at time.Time, w *waiter, fn func()) *timer {
	l.timerSeq++
	tm := &timer{at: at, seq: l.timerSeq, w: w, fn: fn}
	heap.Push(&l.timers, tm)
	return tm
}

func (l *loop) stopTimer(tm *timer) {
	if tm == nil || tm.index < 0 {
		return
	}
	heap.Remove(&l.timers, tm.index)
}

func (l *loop) fireTimers(now time.Time) {
	for {
		tm, ok := l.timers.peek()
		if !ok || tm.at.After(now) {
			return
		}
		heap.Pop(&l.timers)
		if tm.w != nil {
			l.fire(tm.w)
			continue
		}
		tm.fn()
	}
}
