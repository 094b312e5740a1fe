//go:build deadlock

// Package syncutil holds the lock types shared by the driver and the
// correlation engine, here backed by github.com/sasha-s/go-deadlock.
package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

// Longer than any command round trip including retries.
func init() {
	deadlock.Opts.DeadlockTimeout = 45 * time.Second
}

type Mutex struct {
	deadlock.Mutex
}

type RWMutex struct {
	deadlock.RWMutex
}

// Detecting reports whether deadlock detection is compiled in.
const Detecting = true
