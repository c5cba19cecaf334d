// Package reconcile applies payment provider webhook events to the
// escrow ledger.
//
// The worker only ever initiates transfers; the provider's webhook is
// the source of truth for whether money actually moved. Every inbound
// event carries the transaction reference the worker minted, so
// replays are detected by reference and applied at most once.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lodgely/lodgely/internal/booking"
	"github.com/lodgely/lodgely/internal/idgen"
	"github.com/lodgely/lodgely/internal/ledger"
	"github.com/lodgely/lodgely/internal/logging"
	"github.com/lodgely/lodgely/internal/metrics"
	"github.com/lodgely/lodgely/internal/syncutil"
)

var ErrMalformedEvent = errors.New("malformed webhook event")

// Transfer states reported by the provider.
const (
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
	StatusReversed  = "reversed"
)

// WebhookEvent is one provider notification about a transfer.
type WebhookEvent struct {
	TransactionReference string    `json:"transactionReference"`
	Status               string    `json:"status"`
	Reason               string    `json:"reason,omitempty"`
	OccurredAt           time.Time `json:"occurredAt"`
}

// Validate checks the event shape before it touches the ledger.
func (e WebhookEvent) Validate() error {
	if e.TransactionReference == "" {
		return fmt.Errorf("%w: missing transactionReference", ErrMalformedEvent)
	}
	switch e.Status {
	case StatusConfirmed, StatusFailed, StatusReversed:
		return nil
	default:
		return fmt.Errorf("%w: unknown status %q", ErrMalformedEvent, e.Status)
	}
}

// Outcome describes what applying a webhook event did.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeStale            Outcome = "stale"
	OutcomeUnknownReference Outcome = "unknown_reference"
)

// Stats is a snapshot of reconciliation counters for the admin surface.
type Stats struct {
	Applied          int64      `json:"applied"`
	Duplicates       int64      `json:"duplicates"`
	Stale            int64      `json:"stale"`
	UnknownReference int64      `json:"unknownReference"`
	Reversals        int64      `json:"reversals"`
	LastEventAt      *time.Time `json:"lastEventAt,omitempty"`
}

// Service applies webhook events to the ledger and booking state.
type Service struct {
	events   ledger.Store
	bookings booking.Store
	perBook  syncutil.ShardedMutex
	nowFn    func() time.Time

	mu    sync.Mutex
	stats Stats
}

// NewService creates a reconciliation service.
func NewService(events ledger.Store, bookings booking.Store) *Service {
	return &Service{events: events, bookings: bookings, nowFn: time.Now}
}

// WithClock overrides the service clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowFn = now
	return s
}

// Snapshot returns current reconciliation counters.
func (s *Service) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Apply processes one webhook event. Events for the same booking are
// serialized so that a replay racing the original cannot double-apply.
func (s *Service) Apply(ctx context.Context, we WebhookEvent) (Outcome, error) {
	if err := we.Validate(); err != nil {
		return "", err
	}

	e, err := s.events.GetByReference(ctx, we.TransactionReference)
	if err != nil {
		if errors.Is(err, ledger.ErrEventNotFound) {
			// The provider knows a transfer we never recorded. Operator
			// territory; the event is counted and logged, not dropped
			// silently.
			s.count(OutcomeUnknownReference)
			metrics.WebhookEventsTotal.WithLabelValues(string(OutcomeUnknownReference)).Inc()
			logging.L(ctx).Warn("webhook for unknown transfer reference",
				"reference", we.TransactionReference, "status", we.Status)
			return OutcomeUnknownReference, nil
		}
		return "", fmt.Errorf("lookup reference: %w", err)
	}

	unlock := s.perBook.Lock(e.BookingID)
	defer unlock()

	// Re-read under the booking lock; a concurrent replay may have won.
	e, err = s.events.GetByReference(ctx, we.TransactionReference)
	if err != nil {
		return "", fmt.Errorf("lookup reference: %w", err)
	}

	outcome, err := s.apply(ctx, e, we)
	if err != nil {
		return "", err
	}
	s.count(outcome)
	metrics.WebhookEventsTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

func (s *Service) apply(ctx context.Context, e *ledger.Event, we WebhookEvent) (Outcome, error) {
	now := s.nowFn().UTC()
	pr := e.Provider

	switch we.Status {
	case StatusConfirmed:
		if pr.TransferReversed {
			// A reversal is final; a late confirmation replay changes
			// nothing.
			return OutcomeStale, nil
		}
		if pr.TransferConfirmed {
			return OutcomeDuplicate, nil
		}
		if pr.TransferFailed {
			// The provider's confirmation outranks its earlier failure
			// report: money moved. Clear the failure so the terminal
			// event counts again.
			logging.L(ctx).Warn("confirmation for a transfer previously reported failed",
				"reference", we.TransactionReference, "event_id", e.ID)
			pr.TransferFailed = false
			pr.FailedAt = nil
			pr.FailureReason = ""
		}
		pr.TransferConfirmed = true
		pr.ConfirmedAt = &now
		if err := s.events.SetProviderState(ctx, e.ID, pr); err != nil {
			return "", fmt.Errorf("confirm event: %w", err)
		}
		metrics.TransfersTotal.WithLabelValues("confirmed").Inc()
		logging.L(ctx).Info("transfer confirmed",
			"booking_id", e.BookingID, "reference", we.TransactionReference,
			"type", string(e.Type), "amount_cents", int64(e.Amount))
		s.maybeMarkSettled(ctx, e.BookingID, now)
		return OutcomeApplied, nil

	case StatusFailed:
		if pr.TransferConfirmed || pr.TransferReversed {
			return OutcomeStale, nil
		}
		if pr.TransferFailed {
			return OutcomeDuplicate, nil
		}
		pr.TransferFailed = true
		pr.FailedAt = &now
		pr.FailureReason = we.Reason
		if err := s.events.SetProviderState(ctx, e.ID, pr); err != nil {
			return "", fmt.Errorf("fail event: %w", err)
		}
		metrics.TransfersTotal.WithLabelValues("failed").Inc()
		// The fund drops back to HELD on replay; the worker retries
		// with a fresh reference next cycle.
		logging.L(ctx).Warn("transfer failed",
			"booking_id", e.BookingID, "reference", we.TransactionReference,
			"reason", we.Reason)
		return OutcomeApplied, nil

	case StatusReversed:
		if pr.TransferReversed {
			return OutcomeDuplicate, nil
		}
		pr.TransferReversed = true
		pr.ReversedAt = &now
		if we.Reason != "" {
			pr.FailureReason = we.Reason
		}
		if err := s.events.SetProviderState(ctx, e.ID, pr); err != nil {
			return "", fmt.Errorf("reverse event: %w", err)
		}
		s.mu.Lock()
		s.stats.Reversals++
		s.mu.Unlock()
		metrics.TransfersTotal.WithLabelValues("reversed").Inc()
		logging.L(ctx).Warn("transfer reversed, fund returns to escrow",
			"booking_id", e.BookingID, "reference", we.TransactionReference,
			"reason", we.Reason)
		s.recordReversal(ctx, e, we, now)
		s.reopenBooking(ctx, e.BookingID)
		return OutcomeApplied, nil
	}

	return "", fmt.Errorf("%w: unknown status %q", ErrMalformedEvent, we.Status)
}

// recordReversal appends the ledger entry for money flowing back into
// escrow. The amount mirrors the reversed transfer so the trail sums.
func (s *Service) recordReversal(ctx context.Context, e *ledger.Event, we WebhookEvent, now time.Time) {
	corrective := &ledger.Event{
		ID:          idgen.WithPrefix("evt_"),
		BookingID:   e.BookingID,
		Type:        ledger.EventTransferReversal,
		Subject:     e.FundSubject(),
		Amount:      e.Amount,
		Currency:    e.Currency,
		FromParty:   e.ToParty,
		ToParty:     "escrow",
		Notes:       "reversal of " + we.TransactionReference,
		TriggeredBy: "webhook",
		ExecutedAt:  now,
		Provider:    ledger.ProviderResponse{TransferConfirmed: true, ConfirmedAt: &now},
	}
	if err := s.events.Append(ctx, corrective); err != nil {
		logging.L(ctx).Error("failed to record reversal event",
			"booking_id", e.BookingID, "reference", we.TransactionReference, "error", err)
	}
}

// maybeMarkSettled stamps the booking once every held fund has a
// confirmed terminal event, so it leaves the settlement scan.
func (s *Service) maybeMarkSettled(ctx context.Context, bookingID string, now time.Time) {
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil || b.SettledAt != nil {
		return
	}
	events, err := s.events.ListByBooking(ctx, bookingID)
	if err != nil {
		return
	}
	room := ledger.StateOf(events, ledger.SubjectRoomFee)
	dep := ledger.StateOf(events, ledger.SubjectDeposit)
	if !room.Settled() || (dep.HeldAmount > 0 && !dep.Settled()) {
		return
	}
	b.SettledAt = &now
	b.UpdatedAt = now
	if err := s.bookings.Update(ctx, b); err != nil {
		logging.L(ctx).Warn("failed to mark booking settled",
			"booking_id", bookingID, "error", err)
		return
	}
	logging.L(ctx).Info("booking fully settled", "booking_id", bookingID)
}

// reopenBooking clears the settled marker after a reversal so the
// worker re-examines the booking.
func (s *Service) reopenBooking(ctx context.Context, bookingID string) {
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil || b.SettledAt == nil {
		return
	}
	b.SettledAt = nil
	b.UpdatedAt = s.nowFn().UTC()
	if err := s.bookings.Update(ctx, b); err != nil {
		logging.L(ctx).Error("failed to reopen booking after reversal",
			"booking_id", bookingID, "error", err)
	}
}

func (s *Service) count(o Outcome) {
	now := s.nowFn().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.LastEventAt = &now
	switch o {
	case OutcomeApplied:
		s.stats.Applied++
	case OutcomeDuplicate:
		s.stats.Duplicates++
	case OutcomeStale:
		s.stats.Stale++
	case OutcomeUnknownReference:
		s.stats.UnknownReference++
	}
}
