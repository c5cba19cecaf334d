package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory event log for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	byBookID map[string][]*Event
	byRef    map[string]*Event
	byID     map[string]*Event
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byBookID: make(map[string][]*Event),
		byRef:    make(map[string]*Event),
		byID:     make(map[string]*Event),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Append(_ context.Context, e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.TransactionReference != "" {
		if _, exists := s.byRef[e.TransactionReference]; exists {
			return ErrDuplicateReference
		}
	}
	if IsTerminal(e.Type) {
		st := StateOf(s.byBookID[e.BookingID], e.FundSubject())
		if st.Settled() || st.Pending {
			return ErrDuplicateTerminal
		}
	}

	cp := *e
	if cp.ExecutedAt.IsZero() {
		cp.ExecutedAt = time.Now().UTC()
	}
	s.byBookID[e.BookingID] = append(s.byBookID[e.BookingID], &cp)
	s.byID[cp.ID] = &cp
	if cp.TransactionReference != "" {
		s.byRef[cp.TransactionReference] = &cp
	}
	return nil
}

func (s *MemoryStore) ListByBooking(_ context.Context, bookingID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.byBookID[bookingID]
	out := make([]*Event, len(events))
	for i, e := range events {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) GetByReference(_ context.Context, reference string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byRef[reference]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) SetProviderState(_ context.Context, eventID string, pr ProviderResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[eventID]
	if !ok {
		return ErrEventNotFound
	}
	e.Provider = pr
	return nil
}

func (s *MemoryStore) TransferCounts(context.Context) (TransferCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts TransferCounts
	for _, e := range s.byRef {
		counts.CountTransfer(e)
	}
	return counts, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
