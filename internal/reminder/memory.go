package reminder

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps reminders in a map. It backs tests and the channel
// transport when no Postgres URL is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Reminder
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Reminder)}
}

func (s *MemoryStore) Get(ctx context.Context, taskID string) (Reminder, error) {
	if err := ctx.Err(); err != nil {
		return Reminder{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[taskID]
	if !ok {
		return Reminder{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, r Reminder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.DueDate = r.DueDate.UTC()
	r.LastEventAt = r.LastEventAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[r.TaskID] = r
	return nil
}

func (s *MemoryStore) Transition(ctx context.Context, taskID, reminderID string, from, to State, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[taskID]
	if !ok || r.ReminderID != reminderID || r.State != from {
		return false, nil
	}
	r.State = to
	r.UpdatedAt = at.UTC()
	s.rows[taskID] = r
	return true, nil
}

func (s *MemoryStore) Due(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var due []Reminder
	for _, r := range s.rows {
		if r.State == StateScheduled && !r.DueDate.After(now) {
			due = append(due, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].DueDate.Equal(due[j].DueDate) {
			return due[i].DueDate.Before(due[j].DueDate)
		}
		return due[i].TaskID < due[j].TaskID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Len returns the number of rows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
