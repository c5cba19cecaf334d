package joblock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory lease store for development and tests.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]*Lock
	nowFn func() time.Time
}

// NewMemoryStore creates an empty in-memory lease store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]*Lock), nowFn: time.Now}
}

// WithClock overrides the store clock for tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.nowFn = now
	return s
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Acquire(_ context.Context, l *Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	for _, held := range s.locks {
		if !held.Live(now) {
			continue
		}
		if held.JobName == l.JobName || held.Overlaps(l.BookingIDs) {
			return ErrLockHeld
		}
	}

	cp := *l
	cp.BookingIDs = append([]string(nil), l.BookingIDs...)
	s.locks[l.ID] = &cp
	return nil
}

func (s *MemoryStore) Renew(_ context.Context, id string, newExpiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		return ErrLockNotFound
	}
	now := s.nowFn()
	if !l.Live(now) {
		return ErrLockExpired
	}
	if newExpiry.Before(l.ExpiresAt) {
		return ErrLockExpired
	}
	l.ExpiresAt = newExpiry
	l.RenewedAt = &now
	return nil
}

func (s *MemoryStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, id)
	return nil
}

func (s *MemoryStore) ListActive(_ context.Context, now time.Time) ([]*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Lock
	for _, l := range s.locks {
		if l.Live(now) {
			cp := *l
			cp.BookingIDs = append([]string(nil), l.BookingIDs...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		return nil, ErrLockNotFound
	}
	cp := *l
	cp.BookingIDs = append([]string(nil), l.BookingIDs...)
	return &cp, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
