package ratelimit

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	count int
	start time.Time
}

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]*entry
	lastPrune time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*entry)}
}

// Increment implements Store.
func (s *MemoryStore) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastPrune) >= window {
		s.prune(now, window)
	}
	e, ok := s.entries[key]
	if !ok || !now.Before(e.start.Add(window)) {
		e = &entry{start: now}
		s.entries[key] = e
	}
	e.count++
	return e.count, e.start, nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) prune(now time.Time, window time.Duration) {
	for k, e := range s.entries {
		if !now.Before(e.start.Add(window)) {
			delete(s.entries, k)
		}
	}
	s.lastPrune = now
}
