// util/clock.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package util

import (
	"sync"
	"time"
)

// Clock abstracts the time source used by the relay so that tests can
// advance time deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns a Clock backed by time.Now.
func RealClock() Clock { return realClock{} }

// SettableClock is a Clock whose current time is set explicitly; the zero
// value reports the zero time until Set or Advance is called.
type SettableClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewSettableClock(t time.Time) *SettableClock {
	return &SettableClock{now: t}
}

func (c *SettableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *SettableClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *SettableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
