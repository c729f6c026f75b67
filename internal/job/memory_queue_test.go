package job

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	xerrors "MarketResearch/internal/errors"
)

func TestMemoryQueueDeliversToWorkers(t *testing.T) {
	queue := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	if queue.Len() != 3 {
		t.Fatalf("expected 3 pending jobs, got %d", queue.Len())
	}

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	wg.Add(3)
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(ctx, 2, func(_ context.Context, jobID string) error {
			mu.Lock()
			seen[jobID] = true
			mu.Unlock()
			wg.Done()
			if jobID == "b" {
				return stdErrors.New("handler failure must not stop the workers")
			}
			return nil
		})
	}()

	wg.Wait()
	cancel()
	select {
	case err := <-done:
		if !stdErrors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consume did not return after cancel")
	}
	if len(seen) != 3 {
		t.Fatalf("expected every job to be handled, got %v", seen)
	}
}

func TestMemoryQueueClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	err := queue.Publish(context.Background(), "a")
	if xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected QUEUE_FAILURE after close, got %v", err)
	}

	err = queue.Consume(context.Background(), 1, func(context.Context, string) error { return nil })
	if xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("consume on a closed queue should fail, got %v", err)
	}
}

func TestMemoryQueuePublishHonoursContext(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Publish(context.Background(), "a"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := queue.Publish(ctx, "b"); !stdErrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error on full queue, got %v", err)
	}
}

func TestMemoryQueueCloseReleasesBlockedPublish(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Publish(context.Background(), "a"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- queue.Publish(context.Background(), "b")
	}()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = queue.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("close must not wait for a blocked publisher")
	}

	select {
	case err := <-blocked:
		if xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
			t.Fatalf("expected QUEUE_FAILURE for the blocked publish, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked publish was not released by close")
	}
}

func TestMemoryQueueDrainsAfterClose(t *testing.T) {
	queue := NewMemoryQueue(2)
	for _, id := range []string{"a", "b"} {
		if err := queue.Publish(context.Background(), id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	_ = queue.Close()

	var (
		mu  sync.Mutex
		got []string
	)
	err := queue.Consume(context.Background(), 1, func(_ context.Context, jobID string) error {
		mu.Lock()
		got = append(got, jobID)
		mu.Unlock()
		return nil
	})
	if xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected QUEUE_FAILURE once drained, got %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected queued jobs to be drained, got %v", got)
	}
}
