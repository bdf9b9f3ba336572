// util/sync_test.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package util

import (
	"testing"
	"time"
)

func TestLoggingMutex(t *testing.T) {
	var m LoggingMutex

	m.Lock(nil)

	heldMutexesMutex.Lock()
	_, held := heldMutexes[&m]
	heldMutexesMutex.Unlock()
	if !held {
		t.Errorf("locked mutex not in held set")
	}

	m.Unlock(nil)

	heldMutexesMutex.Lock()
	_, held = heldMutexes[&m]
	heldMutexesMutex.Unlock()
	if held {
		t.Errorf("unlocked mutex still in held set")
	}
}

func TestLoggingMutexContended(t *testing.T) {
	var m LoggingMutex
	m.Lock(nil)

	acquired := make(chan struct{})
	go func() {
		// Forces the slow path: TryLock fails while the mutex is held.
		m.Lock(nil)
		close(acquired)
		m.Unlock(nil)
	}()

	select {
	case <-acquired:
		t.Fatalf("mutex acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	m.Unlock(nil)

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatalf("contended lock never acquired")
	}
}
