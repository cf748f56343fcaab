package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	l := New(1000, 1000, 2)
	ctx := context.Background()

	rel1, err := l.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	rel2, err := l.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		rel3, err := l.Acquire(ctx)
		if err == nil {
			close(acquired)
			rel3()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("third Acquire succeeded before a slot was released")
	case <-time.After(50 * time.Millisecond):
	}

	rel1()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("third Acquire did not proceed after a slot was released")
	}
	rel2()
}

func TestLimiterRespectsContextCancellation(t *testing.T) {
	l := New(1000, 1000, 1)
	ctx := context.Background()
	release, err := l.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(cctx); err == nil {
		t.Fatal("expected Acquire to fail once context is cancelled")
	}
}

func TestBackoffHonorsRetryAfter(t *testing.T) {
	got := Backoff(3, time.Second, time.Minute, 7*time.Second)
	if got != 7*time.Second {
		t.Fatalf("expected retry-after hint to be honored, got %v", got)
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	got := Backoff(20, time.Second, 5*time.Second, 0)
	if got > 5*time.Second {
		t.Fatalf("expected backoff capped at max, got %v", got)
	}
}
