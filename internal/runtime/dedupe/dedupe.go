// Package dedupe remembers which event ids a consumer group already
// committed, so a redelivered message can be acknowledged without running its
// handler a second time.
package dedupe

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how long a committed event id is remembered.
const DefaultTTL = 24 * time.Hour

// Store records committed events per consumer group.
type Store interface {
	Seen(ctx context.Context, group, eventID string) (bool, error)
	Mark(ctx context.Context, group, eventID string) error
}

// MemoryStore keeps event ids in process memory. Expired entries are dropped
// lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]time.Time
}

// NewMemoryStore returns a store forgetting ids after ttl, or DefaultTTL when
// ttl is not positive.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, now: time.Now, entries: make(map[string]time.Time)}
}

func (s *MemoryStore) Seen(ctx context.Context, group, eventID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key(group, eventID)
	expires, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if !s.now().Before(expires) {
		delete(s.entries, key)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Mark(ctx context.Context, group, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[Key(group, eventID)] = s.now().Add(s.ttl)
	return nil
}

// Key is the storage key of eventID within group.
func Key(group, eventID string) string {
	return "taskbus:dedupe:" + group + ":" + eventID
}
