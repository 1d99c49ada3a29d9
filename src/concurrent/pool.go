// Package concurrent provides the bounded worker pool that caps in-flight
// summarization jobs.
package concurrent

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolBusy is returned by TryGo when every worker slot is taken. Callers
// treat it as backpressure and retry on a later trigger.
var ErrPoolBusy = errors.New("worker pool is at capacity")

// WorkerPool bounds concurrency with a semaphore. The zero value is not
// usable; construct with NewWorkerPool.
type WorkerPool struct {
	maxWorkers int
	sem        chan struct{}
	wg         sync.WaitGroup
}

// NewWorkerPool creates a pool allowing up to maxWorkers concurrent jobs.
func NewWorkerPool(maxWorkers int) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		sem:        make(chan struct{}, maxWorkers),
	}
}

// Cap returns the worker limit.
func (wp *WorkerPool) Cap() int { return wp.maxWorkers }

// InFlight returns how many jobs currently hold a slot.
func (wp *WorkerPool) InFlight() int { return len(wp.sem) }

// Do runs fn on the calling goroutine once a slot frees up, or returns the
// context error while waiting.
func (wp *WorkerPool) Do(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case wp.sem <- struct{}{}:
		defer func() { <-wp.sem }()
		return fn()
	}
}

// TryGo runs fn on a new goroutine if a slot is free, otherwise returns
// ErrPoolBusy without blocking. The job's error goes to done, which may be
// nil when the caller handles failures inside fn.
func (wp *WorkerPool) TryGo(fn func() error, done func(error)) error {
	select {
	case wp.sem <- struct{}{}:
	default:
		return ErrPoolBusy
	}
	wp.wg.Add(1)
	go func() {
		defer func() {
			<-wp.sem
			wp.wg.Done()
		}()
		err := fn()
		if done != nil {
			done(err)
		}
	}()
	return nil
}

// Wait blocks until every job started with TryGo has finished.
func (wp *WorkerPool) Wait() { wp.wg.Wait() }

// ForEach runs fn on each item with bounded concurrency; each item's error
// goes to onErr so one failure does not stop the rest.
func ForEach[T any](ctx context.Context, items []T, maxConcurrency int, fn func(T) error, onErr func(T, error)) {
	if len(items) == 0 {
		return
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrency)
	for _, item := range items {
		wg.Add(1)
		go func(val T) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				if onErr != nil {
					onErr(val, ctx.Err())
				}
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
				if err := fn(val); err != nil && onErr != nil {
					onErr(val, err)
				}
			}
		}(item)
	}
	wg.Wait()
}
