package engine

import "sync"

// Locks hands out one mutex per workflow ID so the worker and the HTTP
// edge never interleave read-modify-write cycles on the same document.
// Mutexes are created on demand and never released; workflow counts are
// small enough that this does not matter.
type Locks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{m: make(map[string]*sync.Mutex)}
}

// For returns the mutex guarding the given workflow ID.
func (l *Locks) For(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.m[id]
	if !ok {
		mu = &sync.Mutex{}
		l.m[id] = mu
	}
	return mu
}
