package agentpipeline

import (
	"path/filepath"
	"sync"
)

// PathLocker serializes artifact writes to the same workspace path. Within
// one build writes are already serial; this chiefly protects overlapping
// builds of the same tenant writing the same file (spec §4.2 "Ordering
// guarantees").
type PathLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPathLocker returns an empty PathLocker.
func NewPathLocker() *PathLocker {
	return &PathLocker{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex guarding path, creating one on first use, and
// returns an unlock function the caller must invoke exactly once.
func (l *PathLocker) Lock(path string) func() {
	clean := filepath.Clean(path)

	l.mu.Lock()
	m, ok := l.locks[clean]
	if !ok {
		m = &sync.Mutex{}
		l.locks[clean] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
