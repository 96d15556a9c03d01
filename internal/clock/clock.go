/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package clock abstracts wall-clock time and the timers that drive
// polling, sampling and auto-clear timeouts so they can be stepped in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock supplies the current time and cancelable timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer is a one-shot callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (realClock) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Manual is a Clock that only moves when Advance or Set is called.
// Timers and tickers due at or before the new time fire in deadline order.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*manualTimer
	tickers []*manualTicker
}

// NewManual creates a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the manual clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules f to run once the clock reaches now+d.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{clock: m, due: m.now.Add(d), fn: f}
	m.timers = append(m.timers, t)
	return t
}

// NewTicker creates a ticker firing every d of manual time.
func (m *Manual) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{clock: m, every: d, next: m.now.Add(d), ch: make(chan time.Time, 1)}
	m.tickers = append(m.tickers, t)
	return t
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.Set(m.Now().Add(d))
}

// Set moves the clock to t, firing everything that became due.
func (m *Manual) Set(t time.Time) {
	for {
		m.mu.Lock()
		if t.Before(m.now) {
			m.now = t
			m.mu.Unlock()
			return
		}
		due := m.popDueLocked(t)
		if due == nil {
			m.now = t
			m.mu.Unlock()
			return
		}
		m.now = due.when
		m.mu.Unlock()
		due.fire(due.when)
	}
}

// PendingTimers reports how many one-shot timers are still armed.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

type dueEvent struct {
	when time.Time
	fire func(time.Time)
}

func (m *Manual) popDueLocked(limit time.Time) *dueEvent {
	var events []dueEvent
	for _, tm := range m.timers {
		if !tm.due.After(limit) {
			timer := tm
			events = append(events, dueEvent{when: tm.due, fire: func(time.Time) {
				m.mu.Lock()
				fn := m.removeTimerLocked(timer)
				m.mu.Unlock()
				if fn != nil {
					fn()
				}
			}})
		}
	}
	for _, tk := range m.tickers {
		if !tk.next.After(limit) {
			ticker := tk
			events = append(events, dueEvent{when: tk.next, fire: func(at time.Time) {
				m.mu.Lock()
				ticker.next = ticker.next.Add(ticker.every)
				m.mu.Unlock()
				select {
				case ticker.ch <- at:
				default:
				}
			}})
		}
	}
	if len(events) == 0 {
		return nil
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].when.Before(events[j].when) })
	return &events[0]
}

func (m *Manual) removeTimerLocked(t *manualTimer) func() {
	for i := range m.timers {
		if m.timers[i] == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return t.fn
		}
	}
	return nil
}

type manualTimer struct {
	clock *Manual
	due   time.Time
	fn    func()
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	for i := range t.clock.timers {
		if t.clock.timers[i] == t {
			t.clock.timers = append(t.clock.timers[:i], t.clock.timers[i+1:]...)
			return true
		}
	}
	return false
}

type manualTicker struct {
	clock *Manual
	every time.Duration
	next  time.Time
	ch    chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	for i := range t.clock.tickers {
		if t.clock.tickers[i] == t {
			t.clock.tickers = append(t.clock.tickers[:i], t.clock.tickers[i+1:]...)
			return
		}
	}
}
