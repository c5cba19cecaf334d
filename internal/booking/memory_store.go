package booking

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory booking store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*Booking
}

// NewMemoryStore creates an empty in-memory booking store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[string]*Booking)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, b *Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.bookings[b.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, b *Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; !ok {
		return ErrNotFound
	}
	cp := *b
	s.bookings[b.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByParty(_ context.Context, partyID string, limit int) ([]*Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Booking
	for _, b := range s.bookings {
		if b.GuestID == partyID || b.RealtorID == partyID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListSettlementCandidates(_ context.Context, now time.Time, limit int) ([]*Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Booking
	for _, b := range s.bookings {
		if b.RequiresAttention || b.SettledAt != nil {
			continue
		}
		if !candidate(b, now) {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func candidate(b *Booking, now time.Time) bool {
	if b.Status == StatusCancelled {
		return true
	}
	if b.RoomFeeReleaseEligibleAt != nil && !b.RoomFeeReleaseEligibleAt.After(now) {
		return true
	}
	if b.DepositRefundEligibleAt != nil && !b.DepositRefundEligibleAt.After(now) {
		return true
	}
	return false
}

func (s *MemoryStore) CountAttention(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, b := range s.bookings {
		if b.RequiresAttention {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
