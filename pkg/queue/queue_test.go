package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errTestFailure = errors.New("test failure")

func TestEnqueueNewRunsBatchOnce(t *testing.T) {
	var calls int32
	done := make(chan struct{}, 1)
	q := New(1, time.Millisecond, 0, nil, func(ctx context.Context, folder string) error {
		atomic.AddInt32(&calls, 1)
		done <- struct{}{}
		return nil
	}, nil)

	q.EnqueueNew("alice")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("process_batch never ran")
	}

	time.Sleep(10 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestEnqueueNewCoalescesWhileActive(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	q := New(1, time.Millisecond, 0, nil, func(ctx context.Context, folder string) error {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			started <- struct{}{}
			<-release
		}
		return nil
	}, nil)

	q.EnqueueNew("bob")
	<-started

	// Second enqueue while the first batch is still running should set
	// the pending flag rather than spawn a second concurrent driver.
	q.EnqueueNew("bob")
	close(release)

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("calls = %d, want 2 (initial run + one coalesced rerun)", got)
	}
}

func TestEnqueueTaskDedupesPending(t *testing.T) {
	var calls int32
	done := make(chan struct{}, 1)

	q := New(1, time.Millisecond, 0, nil, nil, func(ctx context.Context, folder, taskID string) error {
		atomic.AddInt32(&calls, 1)
		done <- struct{}{}
		return nil
	})

	q.mu.Lock()
	st := q.getOrCreate("carol")
	st.active = true // simulate a task already running so new enqueues just queue up
	st.runningTaskID = "t1"
	q.mu.Unlock()

	q.EnqueueTask("carol", "t1") // already running, should be a no-op
	q.EnqueueTask("carol", "t2")
	q.EnqueueTask("carol", "t2") // duplicate pending, should be deduped

	q.mu.Lock()
	st.active = false
	q.mu.Unlock()
	if err := q.sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("acquiring test slot: %v", err)
	}
	go q.drive("carol")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run_task never ran")
	}
	time.Sleep(10 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1 (t1 skipped, t2 deduped to one run)", got)
	}
}

func TestGlobalConcurrencyBound(t *testing.T) {
	const maxConcurrent = 2
	var inFlight, maxSeen int32
	var mu sync.Mutex
	release := make(chan struct{})

	q := New(maxConcurrent, time.Millisecond, 0, nil, func(ctx context.Context, folder string) error {
		n := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if n > maxSeen {
			maxSeen = n
		}
		mu.Unlock()
		<-release
		atomic.AddInt32(&inFlight, -1)
		return nil
	}, nil)

	for _, folder := range []string{"a", "b", "c", "d"} {
		q.EnqueueNew(folder)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if maxSeen > maxConcurrent {
		t.Errorf("observed %d concurrent batches, want at most %d", maxSeen, maxConcurrent)
	}
}

func TestHandleFailureRetriesThenGivesUp(t *testing.T) {
	var calls int32
	done := make(chan struct{})

	q := New(1, time.Millisecond, 2, nil, func(ctx context.Context, folder string) error {
		n := atomic.AddInt32(&calls, 1)
		if n >= 3 {
			close(done)
		}
		return errTestFailure
	}, nil)

	q.EnqueueNew("dave")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected 3 attempts (1 initial + 2 retries), got %d", atomic.LoadInt32(&calls))
	}

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestShutdownDrainsInFlightWork(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	q := New(1, time.Millisecond, 0, nil, func(ctx context.Context, folder string) error {
		close(started)
		<-release
		return nil
	}, nil)

	q.EnqueueNew("erin")
	<-started

	shutdownDone := make(chan struct{})
	go func() {
		q.Shutdown(time.Second)
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned before in-flight work finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-shutdownDone:
	case <-time.After(time.Second):
		t.Fatal("Shutdown never returned after work finished")
	}

	// A new chat enqueued after draining started must never run.
	var ranAfterDrain int32
	q.processBatch = func(ctx context.Context, folder string) error {
		atomic.AddInt32(&ranAfterDrain, 1)
		return nil
	}
	q.EnqueueNew("frank")
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&ranAfterDrain) != 0 {
		t.Error("work was admitted after Shutdown began draining")
	}
}

