//go:build !deadlock

// Package syncutil holds the lock types shared by the driver and the
// correlation engine. Building with -tags=deadlock swaps in
// github.com/sasha-s/go-deadlock for lock-order and hold-time checks.
package syncutil

import "sync"

// Mutex is a sync.Mutex unless built with the deadlock tag.
type Mutex struct {
	sync.Mutex
}

// RWMutex is a sync.RWMutex unless built with the deadlock tag.
type RWMutex struct {
	sync.RWMutex
}

// Detecting reports whether deadlock detection is compiled in.
const Detecting = false
