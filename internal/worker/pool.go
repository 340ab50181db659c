// Package worker bounds how much build execution runs at once with a global
// semaphore across builds. Per-path locking of artifact writes lives in
// internal/agentpipeline's PathLocker.
package worker

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool limits the number of builds actively executing at once. One weight
// unit is acquired per build's workflow execution, not per step — steps
// within a build are scheduled by the orchestrator, not the pool.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool returns a Pool that admits at most maxConcurrent builds
// simultaneously.
func NewPool(maxConcurrent int) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// Acquire blocks until a slot is free or ctx is canceled.
func (p *Pool) Acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

// Release frees the slot acquired by a matching Acquire.
func (p *Pool) Release() {
	p.sem.Release(1)
}

// TryAcquire attempts a non-blocking acquire, reporting whether it
// succeeded.
func (p *Pool) TryAcquire() bool {
	return p.sem.TryAcquire(1)
}
