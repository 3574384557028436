// Package scheduler provides one-shot timers behind an interface so that
// time-driven behavior can run against a virtual clock in tests.
package scheduler

import (
	"sync"
	"time"
)

// CancelFunc stops a scheduled callback. It reports whether the callback was
// stopped before it ran and is safe to call more than once.
type CancelFunc func() bool

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	ScheduleAfter(d time.Duration, fn func()) CancelFunc
	Now() time.Time
}

// Real schedules on the wall clock.
type Real struct{}

func NewReal() Real { return Real{} }

func (Real) ScheduleAfter(d time.Duration, fn func()) CancelFunc {
	if d < 0 {
		d = 0
	}
	t := time.AfterFunc(d, fn)
	return t.Stop
}

func (Real) Now() time.Time { return time.Now() }

type fakeTimer struct {
	seq      uint64
	at       time.Time
	fn       func()
	canceled bool
	fired    bool
}

// Fake is a virtual clock. Callbacks run synchronously inside Advance, in
// deadline order, on the goroutine that calls Advance.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*fakeTimer
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) ScheduleAfter(d time.Duration, fn func()) CancelFunc {
	if d < 0 {
		d = 0
	}
	f.mu.Lock()
	f.seq++
	t := &fakeTimer{seq: f.seq, at: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	f.mu.Unlock()

	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if t.fired || t.canceled {
			return false
		}
		t.canceled = true
		f.removeLocked(t)
		return true
	}
}

func (f *Fake) removeLocked(t *fakeTimer) {
	for i, cur := range f.timers {
		if cur == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return
		}
	}
}

// nextDueLocked returns the earliest timer due at or before until.
func (f *Fake) nextDueLocked(until time.Time) *fakeTimer {
	var next *fakeTimer
	for _, t := range f.timers {
		if t.at.After(until) {
			continue
		}
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

// Advance moves the clock forward by d, firing every timer that comes due,
// including timers scheduled by callbacks within the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	until := f.now.Add(d)
	for {
		t := f.nextDueLocked(until)
		if t == nil {
			break
		}
		f.removeLocked(t)
		t.fired = true
		if t.at.After(f.now) {
			f.now = t.at
		}
		f.mu.Unlock()
		t.fn()
		f.mu.Lock()
	}
	f.now = until
	f.mu.Unlock()
}

// Pending returns the number of timers not yet fired or canceled.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// NextDeadline returns the earliest pending deadline.
func (f *Fake) NextDeadline() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var (
		next time.Time
		ok   bool
	)
	for _, t := range f.timers {
		if !ok || t.at.Before(next) {
			next, ok = t.at, true
		}
	}
	return next, ok
}
