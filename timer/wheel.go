// Package timer implements the timer wheel driving deferred
// continuations: millisecond-resolution one-shot timers with
// callbacks, armed by SetPeriod and fired in due-time order by Rundown,
// which reports the interval to the next-armed timer so the host's main
// loop knows how long to sleep.
package timer

import (
	"container/heap"
	"time"
)

// Callback is a timer's fire handler. ctx1 and ctx2 are the opaque
// context values the timer was created with. A callback may re-arm its
// own timer, deactivate other timers, or create new ones; all such
// effects land in the armed set for a later rundown, never the one
// currently firing.
type Callback func(ctx1, ctx2 any)

// Timer is a handle minted by Wheel.Create. It is inert until SetPeriod
// arms it, fires at most once per arming, and may be re-armed any
// number of times.
type Timer struct {
	cb         Callback
	ctx1, ctx2 any
	due        time.Time
	sequence   uint64
	index      int // heap position; -1 while disarmed
}

// Armed reports whether the timer is currently scheduled to fire.
func (t *Timer) Armed() bool { return t.index >= 0 }

// Wheel is the timer queue. It owns no goroutines and reads no clock of
// its own; the host passes "now" into SetPeriod and Rundown, which
// keeps scheduling deterministic under test and pins resolution to
// whatever the caller's clock provides (the driver uses a millisecond
// floor).
type Wheel struct {
	heap     timerHeap
	sequence uint64
}

// NewWheel constructs an empty wheel.
func NewWheel() *Wheel {
	return &Wheel{}
}

// Create mints a disarmed timer that will invoke cb(ctx1, ctx2) when it
// fires.
func (w *Wheel) Create(cb Callback, ctx1, ctx2 any) *Timer {
	return &Timer{cb: cb, ctx1: ctx1, ctx2: ctx2, index: -1}
}

// SetPeriod arms t to fire period after now, re-arming it if it was
// already scheduled. Two timers armed for the same instant fire in the
// order they were armed.
func (w *Wheel) SetPeriod(t *Timer, period time.Duration, now time.Time) {
	t.due = now.Add(period)
	t.sequence = w.sequence
	w.sequence++
	if t.index >= 0 {
		heap.Fix(&w.heap, t.index)
		return
	}
	heap.Push(&w.heap, t)
}

// Deactivate disarms t without firing it. Deactivating a disarmed timer
// does nothing.
func (w *Wheel) Deactivate(t *Timer) {
	if t.index < 0 {
		return
	}
	heap.Remove(&w.heap, t.index)
}

// Len reports the number of currently armed timers.
func (w *Wheel) Len() int { return w.heap.Len() }

// Peek reports the due time of the earliest armed timer without firing
// anything, or ok=false if the wheel is empty.
func (w *Wheel) Peek() (due time.Time, ok bool) {
	if w.heap.Len() == 0 {
		return time.Time{}, false
	}
	return w.heap[0].due, true
}

// Rundown fires every timer due at or before now, in due-time order
// with ties broken by arming order, then returns the interval from now
// to the next armed timer. ok=false means no timers remain; the host
// treats that as "wait forever". The due set is collected before any
// callback runs, so a callback that re-arms a timer — even its own,
// even for a period of zero — schedules it for a later rundown rather
// than extending this one.
func (w *Wheel) Rundown(now time.Time) (next time.Duration, ok bool) {
	var due []*Timer
	for w.heap.Len() > 0 && !w.heap[0].due.After(now) {
		due = append(due, heap.Pop(&w.heap).(*Timer))
	}
	for _, t := range due {
		t.cb(t.ctx1, t.ctx2)
	}
	if w.heap.Len() == 0 {
		return 0, false
	}
	return w.heap[0].due.Sub(now), true
}

// Clear disarms every timer without firing it.
func (w *Wheel) Clear() {
	for _, t := range w.heap {
		t.index = -1
	}
	w.heap = nil
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].sequence < h[j].sequence
	}
	return h[i].due.Before(h[j].due)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
