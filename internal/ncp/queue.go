package ncp

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"blz-host/internal/metrics"
)

// Queue admits work in arrival order with bounded concurrency. Admission is
// FIFO: a waiter is never overtaken by a later one.
type Queue struct {
	sem     *semaphore.Weighted
	metrics *metrics.Metrics
	waiting atomic.Int32
	running atomic.Int32
}

// NewQueue creates a Queue running at most concurrency jobs at once.
func NewQueue(concurrency int, m *metrics.Metrics) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Queue{sem: semaphore.NewWeighted(int64(concurrency)), metrics: m}
}

// Acquire blocks for a slot. The returned release is idempotent.
func (q *Queue) Acquire(ctx context.Context) (func(), error) {
	q.waiting.Add(1)
	q.metrics.QueueWaiting(1)
	err := q.sem.Acquire(ctx, 1)
	q.waiting.Add(-1)
	q.metrics.QueueWaiting(-1)
	if err != nil {
		return nil, err
	}

	q.running.Add(1)
	q.metrics.QueueRunning(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			q.running.Add(-1)
			q.metrics.QueueRunning(-1)
			q.sem.Release(1)
		})
	}, nil
}

// Execute runs fn once a slot is free.
func (q *Queue) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := q.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Waiting returns the number of callers blocked in Acquire.
func (q *Queue) Waiting() int { return int(q.waiting.Load()) }

// Running returns the number of slots held.
func (q *Queue) Running() int { return int(q.running.Load()) }
