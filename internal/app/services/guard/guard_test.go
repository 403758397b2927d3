package guard

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAcquireRejectsReentry(t *testing.T) {
	g := New()
	ctx := context.Background()

	marked, release, err := g.Acquire(ctx, "safe-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	if _, _, err := g.Acquire(marked, "safe-1"); !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("re-entry: got %v, want ErrReentrantCall", err)
	}

	// A different account is independent.
	_, release2, err := g.Acquire(marked, "safe-2")
	if err != nil {
		t.Fatalf("Acquire other account: %v", err)
	}
	release2()
}

func TestAcquireSerializesAcrossGoroutines(t *testing.T) {
	g := New()
	ctx := context.Background()

	_, release, err := g.Acquire(ctx, "safe-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		_, rel, err := g.Acquire(ctx, "safe-1")
		if err != nil {
			t.Errorf("second Acquire: %v", err)
			close(acquired)
			return
		}
		close(acquired)
		rel()
	}()

	select {
	case <-acquired:
		t.Fatalf("second acquire succeeded while lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("second acquire never completed after release")
	}
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	g := New()
	_, release, err := g.Acquire(context.Background(), "safe-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := g.Acquire(ctx, "safe-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := New()
	_, release, err := g.Acquire(context.Background(), "safe-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	release()

	_, release2, err := g.Acquire(context.Background(), "safe-1")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	release2()
}
