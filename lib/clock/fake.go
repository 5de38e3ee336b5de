// Copyright 2026 The MyAgents Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.timersChanged = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for testing. Time advances only
// when Advance is called; pending AfterFunc callbacks fire
// synchronously, in deadline order, from within Advance.
//
// Do not call Advance from within an AfterFunc callback — that would
// deadlock. A callback may call AfterFunc to schedule further work;
// if the new deadline falls within the advance window it fires during
// the same Advance call.
type FakeClock struct {
	mu            sync.Mutex
	current       time.Time
	timers        []*fakeTimer
	timersChanged *sync.Cond
}

// fakeTimer is a pending AfterFunc call.
type fakeTimer struct {
	deadline time.Time
	callback func()

	// stopped is set by Timer.Stop. Stopped timers never fire and are
	// dropped on the next Advance sweep.
	stopped bool

	// fired prevents double-firing on overlapping Advance calls.
	fired bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc schedules f to run when the clock advances past d from
// now. If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d <= 0 {
		c.mu.Unlock()
		f()
		c.mu.Lock()
		return &Timer{stopFunc: func() bool { return false }}
	}

	timer := &fakeTimer{
		deadline: c.current.Add(d),
		callback: f,
	}
	c.timers = append(c.timers, timer)
	c.timersChanged.Broadcast()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if timer.stopped || timer.fired {
				return false
			}
			timer.stopped = true
			return true
		},
	}
}

// Advance moves the clock forward by d and fires every pending timer
// whose deadline falls within the new time, synchronously and in
// deadline order. The clock steps to each deadline as its timers fire,
// so a callback observes Now() as its own deadline, and a follow-up
// timer armed by a callback fires during the same Advance when the
// window covers it.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		due := c.stepTo(target)
		if len(due) == 0 {
			return
		}
		for _, timer := range due {
			timer.callback()
		}
	}
}

// stepTo advances the clock to the earliest pending deadline at or
// before target and returns the timers due at that instant, removing
// them from the pending list. When nothing is due it moves the clock
// to target and returns nil. Acquires c.mu.
func (c *FakeClock) stepTo(target time.Time) []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var earliest time.Time
	found := false
	for _, timer := range c.timers {
		if timer.stopped || timer.deadline.After(target) {
			continue
		}
		if !found || timer.deadline.Before(earliest) {
			earliest = timer.deadline
			found = true
		}
	}
	if !found {
		c.current = target
		return nil
	}
	c.current = earliest

	var due []*fakeTimer
	var remaining []*fakeTimer
	for _, timer := range c.timers {
		if timer.stopped {
			continue
		}
		if timer.deadline.Equal(earliest) {
			timer.fired = true
			due = append(due, timer)
		} else {
			remaining = append(remaining, timer)
		}
	}
	c.timers = remaining
	return due
}

// WaitForTimers blocks until at least n timers are pending
// (registered but not yet fired or stopped). This eliminates the race
// between a background goroutine arming a timer and the test
// advancing the clock.
//
// Example:
//
//	go func() { c.AfterFunc(5*time.Second, work) }()
//	c.WaitForTimers(1)         // blocks until the timer registers
//	c.Advance(5 * time.Second) // deterministically fires it
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingCountLocked() < n {
		c.timersChanged.Wait()
	}
}

// PendingCount returns the number of active pending timers. Useful
// for asserting that cancellation really removed a scheduled call.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingCountLocked()
}

func (c *FakeClock) pendingCountLocked() int {
	count := 0
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired {
			count++
		}
	}
	return count
}
