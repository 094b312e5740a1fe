// Package waitress correlates asynchronous inbound payloads with the callers
// waiting for them. A waiter registers a matcher, arms its timeout, and is
// completed exactly once: by a matching payload, by its timer, or by removal.
package waitress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"blz-host/internal/syncutil"
)

var (
	// ErrTimeout is wrapped by every *TimeoutError.
	ErrTimeout = errors.New("waitress: timed out")
	// ErrCanceled is delivered to waiters dropped by Remove or Clear.
	ErrCanceled = errors.New("waitress: wait canceled")
)

// TimeoutError reports which matcher expired.
type TimeoutError struct {
	Matcher string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("waitress: %s timed out after %s", e.Matcher, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

type outcome[P any] struct {
	payload P
	err     error
}

type slot[P, M any] struct {
	id      uint64
	matcher M
	timeout time.Duration
	timer   *time.Timer
	done    bool
	result  chan outcome[P]
}

// Waitress holds pending waiters in registration order.
type Waitress[P, M any] struct {
	validate func(P, M) bool
	format   func(M, time.Duration) string

	mu     syncutil.Mutex
	slots  []*slot[P, M]
	nextID uint64
}

// New creates a Waitress. validate decides whether a payload satisfies a
// matcher; format renders a matcher for timeout errors and logs.
func New[P, M any](validate func(P, M) bool, format func(M, time.Duration) string) *Waitress[P, M] {
	if format == nil {
		format = func(m M, _ time.Duration) string { return fmt.Sprintf("%+v", m) }
	}
	return &Waitress[P, M]{validate: validate, format: format}
}

// Waiter is the caller's handle on one registration.
type Waiter[P any] struct {
	id     uint64
	start  func()
	cancel func()
	result <-chan outcome[P]
}

// ID identifies the registration for Remove.
func (w *Waiter[P]) ID() uint64 { return w.id }

// Start arms the timeout. Calling it more than once is a no-op.
func (w *Waiter[P]) Start() { w.start() }

// Wait blocks until the waiter completes or ctx ends. A ctx cancellation
// removes the registration.
func (w *Waiter[P]) Wait(ctx context.Context) (P, error) {
	select {
	case r := <-w.result:
		return r.payload, r.err
	case <-ctx.Done():
		w.cancel()
		// The slot may have completed between ctx firing and cancel.
		select {
		case r := <-w.result:
			return r.payload, r.err
		default:
		}
		var zero P
		return zero, ctx.Err()
	}
}

// WaitFor registers matcher. A timeout of zero or less never expires.
func (w *Waitress[P, M]) WaitFor(matcher M, timeout time.Duration) *Waiter[P] {
	w.mu.Lock()
	w.nextID++
	s := &slot[P, M]{
		id:      w.nextID,
		matcher: matcher,
		timeout: timeout,
		result:  make(chan outcome[P], 1),
	}
	w.slots = append(w.slots, s)
	w.mu.Unlock()

	return &Waiter[P]{
		id:     s.id,
		start:  func() { w.arm(s) },
		cancel: func() { w.Remove(s.id) },
		result: s.result,
	}
}

func (w *Waitress[P, M]) arm(s *slot[P, M]) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s.done || s.timer != nil || s.timeout <= 0 {
		return
	}
	s.timer = time.AfterFunc(s.timeout, func() { w.expire(s) })
}

func (w *Waitress[P, M]) expire(s *slot[P, M]) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s.done {
		return
	}
	w.finish(s, outcome[P]{err: &TimeoutError{Matcher: w.format(s.matcher, s.timeout), Timeout: s.timeout}})
	w.drop(s.id)
}

// finish completes s. Caller holds mu.
func (w *Waitress[P, M]) finish(s *slot[P, M], o outcome[P]) {
	s.done = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.result <- o
}

// drop removes id from the table. Caller holds mu.
func (w *Waitress[P, M]) drop(id uint64) {
	for i, s := range w.slots {
		if s.id == id {
			w.slots = append(w.slots[:i], w.slots[i+1:]...)
			return
		}
	}
}

// Resolve completes every waiter whose matcher accepts payload, in
// registration order. It reports whether any waiter matched.
func (w *Waitress[P, M]) Resolve(payload P) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	matched := false
	kept := w.slots[:0]
	for _, s := range w.slots {
		if !s.done && w.validate(payload, s.matcher) {
			w.finish(s, outcome[P]{payload: payload})
			matched = true
			continue
		}
		kept = append(kept, s)
	}
	clear(w.slots[len(kept):])
	w.slots = kept
	return matched
}

// Remove drops a waiter without resolving it; a blocked Wait returns
// ErrCanceled. Unknown ids are ignored.
func (w *Waitress[P, M]) Remove(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.slots {
		if s.id == id {
			if !s.done {
				w.finish(s, outcome[P]{err: ErrCanceled})
			}
			w.drop(id)
			return
		}
	}
}

// Clear cancels every pending waiter.
func (w *Waitress[P, M]) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.slots {
		if !s.done {
			w.finish(s, outcome[P]{err: ErrCanceled})
		}
	}
	w.slots = nil
}

// Len returns the number of pending waiters.
func (w *Waitress[P, M]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.slots)
}
