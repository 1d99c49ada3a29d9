package concurrent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryGoReturnsBusyAtCapacity(t *testing.T) {
	pool := NewWorkerPool(1)

	release := make(chan struct{})
	started := make(chan struct{})
	err := pool.TryGo(func() error {
		close(started)
		<-release
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("first TryGo should get a slot: %v", err)
	}
	<-started

	if err := pool.TryGo(func() error { return nil }, nil); !errors.Is(err, ErrPoolBusy) {
		t.Fatalf("expected ErrPoolBusy while the only slot is held, got %v", err)
	}

	close(release)
	pool.Wait()

	if err := pool.TryGo(func() error { return nil }, nil); err != nil {
		t.Fatalf("slot should be free again after the job finished: %v", err)
	}
	pool.Wait()
}

func TestTryGoReportsJobError(t *testing.T) {
	pool := NewWorkerPool(2)
	want := errors.New("boom")

	got := make(chan error, 1)
	if err := pool.TryGo(func() error { return want }, func(err error) { got <- err }); err != nil {
		t.Fatalf("TryGo returned error: %v", err)
	}
	pool.Wait()

	select {
	case err := <-got:
		if !errors.Is(err, want) {
			t.Fatalf("expected the job error, got %v", err)
		}
	default:
		t.Fatalf("done callback never ran")
	}
}

func TestDoRespectsContext(t *testing.T) {
	pool := NewWorkerPool(1)

	release := make(chan struct{})
	started := make(chan struct{})
	if err := pool.TryGo(func() error {
		close(started)
		<-release
		return nil
	}, nil); err != nil {
		t.Fatalf("TryGo returned error: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := pool.Do(ctx, func() error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error while waiting for a slot, got %v", err)
	}

	close(release)
	pool.Wait()
}

func TestForEachBoundsConcurrency(t *testing.T) {
	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}

	var inFlight, peak int64
	ForEach(context.Background(), items, 3, func(int) error {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return nil
	}, nil)

	if peak > 3 {
		t.Fatalf("concurrency exceeded the bound: peak %d", peak)
	}
}

func TestForEachCollectsErrorsWithoutStopping(t *testing.T) {
	items := []int{1, 2, 3, 4}

	var mu sync.Mutex
	var failed []int
	var ran int64
	ForEach(context.Background(), items, 2, func(v int) error {
		atomic.AddInt64(&ran, 1)
		if v%2 == 0 {
			return errors.New("even")
		}
		return nil
	}, func(v int, err error) {
		mu.Lock()
		failed = append(failed, v)
		mu.Unlock()
	})

	if ran != int64(len(items)) {
		t.Fatalf("every item should run despite failures, ran %d", ran)
	}
	if len(failed) != 2 {
		t.Fatalf("expected two reported failures, got %v", failed)
	}
}
