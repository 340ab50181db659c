package worker

import (
	"context"
	"testing"
	"time"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2)

	if err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	if err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if p.TryAcquire() {
		t.Fatal("expected TryAcquire to fail once both slots are held")
	}

	p.Release()
	if !p.TryAcquire() {
		t.Fatal("expected TryAcquire to succeed after a Release")
	}
}

func TestPoolAcquireRespectsContextCancellation(t *testing.T) {
	p := NewPool(1)
	if err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := p.Acquire(ctx); err == nil {
		t.Fatal("expected Acquire to fail once the context deadline passes")
	}
}

func TestNewPoolClampsBelowOne(t *testing.T) {
	p := NewPool(0)
	if !p.TryAcquire() {
		t.Fatal("expected at least one slot even when maxConcurrent <= 0")
	}
}
