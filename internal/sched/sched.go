// Package sched runs the cooperative forwarding loop. One goroutine
// executes every poll step, timer callback and submitted function, so
// the forwarding core never takes a lock. Blocking is forbidden inside
// callbacks; a component that cannot make progress returns and resumes
// on a later callback.
package sched

import (
	"container/heap"
	"context"
	"time"
)

// Pollable is anything the loop can step, typically a port egress state
// machine.
type Pollable interface {
	Poll()
}

// Loop is the cooperative scheduler.
type Loop struct {
	timers timerHeap
	ready  []Pollable
	queued map[Pollable]struct{}
	submit chan func()
}

// NewLoop returns an idle loop. Timers and polls may be registered
// before Run starts; afterwards only from loop context or via Submit.
func NewLoop() *Loop {
	return &Loop{
		queued: make(map[Pollable]struct{}),
		submit: make(chan func(), 256),
	}
}

// Submit hands fn to the loop from another goroutine; it runs serially
// with all other callbacks. This is the only cross-goroutine entry
// point.
func (l *Loop) Submit(fn func()) {
	l.submit <- fn
}

// RequestPoll queues p for one Poll step. Duplicate requests before the
// step runs collapse into one. Loop context only.
func (l *Loop) RequestPoll(p Pollable) {
	if _, ok := l.queued[p]; ok {
		return
	}
	l.queued[p] = struct{}{}
	l.ready = append(l.ready, p)
}

// TimerOnce arms fn to fire once after d. Loop context only.
func (l *Loop) TimerOnce(d time.Duration, fn func()) *Timer {
	return l.arm(d, 0, fn)
}

// TimerEvery arms fn to fire every period until stopped. Loop context
// only.
func (l *Loop) TimerEvery(period time.Duration, fn func()) *Timer {
	return l.arm(period, period, fn)
}

func (l *Loop) arm(d, period time.Duration, fn func()) *Timer {
	e := &timerEntry{
		when:   time.Now().Add(d),
		period: period,
		fn:     fn,
	}
	heap.Push(&l.timers, e)
	return &Timer{e: e}
}

// Run services polls, timers and submissions until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	wake := time.NewTimer(time.Hour)
	defer wake.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		l.drainReady()
		if len(l.ready) > 0 {
			// A poll queued more work; service it before blocking.
			continue
		}

		var wakeC <-chan time.Time
		if next, ok := l.nextDeadline(); ok {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			if !wake.Stop() {
				select {
				case <-wake.C:
				default:
				}
			}
			wake.Reset(d)
			wakeC = wake.C
		}

		select {
		case <-ctx.Done():
			return
		case fn := <-l.submit:
			fn()
		case <-wakeC:
			l.fireDue(time.Now())
		}
	}
}

// drainReady runs each currently queued pollable exactly once. Polls
// that re-request themselves run again on the next pass, so a
// backpressured port cannot monopolize the loop.
func (l *Loop) drainReady() {
	if len(l.ready) == 0 {
		return
	}
	batch := l.ready
	l.ready = nil
	for _, p := range batch {
		delete(l.queued, p)
	}
	for _, p := range batch {
		p.Poll()
	}
}

func (l *Loop) nextDeadline() (time.Time, bool) {
	for len(l.timers) > 0 {
		if l.timers[0].stopped {
			heap.Pop(&l.timers)
			continue
		}
		return l.timers[0].when, true
	}
	return time.Time{}, false
}

// fireDue runs every timer whose deadline has passed, rearming the
// periodic ones.
func (l *Loop) fireDue(now time.Time) {
	for len(l.timers) > 0 {
		e := l.timers[0]
		if e.stopped {
			heap.Pop(&l.timers)
			continue
		}
		if e.when.After(now) {
			return
		}
		heap.Pop(&l.timers)
		if e.period > 0 {
			e.when = now.Add(e.period)
			heap.Push(&l.timers, e)
		}
		e.fn()
	}
}

// Timer is a handle to a scheduled callback.
type Timer struct {
	e *timerEntry
}

// Stop prevents future firings. Safe on already fired one-shot timers.
func (t *Timer) Stop() {
	t.e.stopped = true
}

type timerEntry struct {
	when    time.Time
	period  time.Duration
	fn      func()
	stopped bool
	index   int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
