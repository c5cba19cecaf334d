// Package status projects the full escrow picture of a booking for the
// parties on it: fund states replayed from the ledger, settlement
// timers, dispute summaries, and expected payouts.
package status

import (
	"context"
	"time"

	"github.com/lodgely/lodgely/internal/booking"
	"github.com/lodgely/lodgely/internal/config"
	"github.com/lodgely/lodgely/internal/disputes"
	"github.com/lodgely/lodgely/internal/fees"
	"github.com/lodgely/lodgely/internal/ledger"
	"github.com/lodgely/lodgely/internal/money"
	"github.com/lodgely/lodgely/internal/timers"
)

// DisputeSummary is the slice of a dispute shown on the status page.
type DisputeSummary struct {
	ID       string            `json:"id"`
	Subject  ledger.Subject    `json:"subject"`
	Status   disputes.Status   `json:"status"`
	Decision disputes.Decision `json:"decision,omitempty"`
	OpenedBy string            `json:"openedBy"`
}

// Payouts is what each party can expect once settlement completes
// normally, before any dispute or cancellation adjustment.
type Payouts struct {
	RealtorTotal  money.Cents `json:"realtorTotalCents"`
	PlatformTotal money.Cents `json:"platformTotalCents"`
	GuestDeposit  money.Cents `json:"guestDepositCents"`
}

// EscrowStatus is the projection returned by the status endpoint.
type EscrowStatus struct {
	BookingID string         `json:"bookingId"`
	Status    booking.Status `json:"status"`

	RoomFee ledger.FundState `json:"roomFee"`
	Deposit ledger.FundState `json:"deposit"`

	Timers timers.Views `json:"timers"`
	Fees   fees.Snapshot `json:"fees"`

	ExpectedPayouts Payouts          `json:"expectedPayouts"`
	Disputes        []DisputeSummary `json:"disputes"`
	Events          []*ledger.Event  `json:"events"`

	RequiresAttention bool       `json:"requiresAttention,omitempty"`
	SettledAt         *time.Time `json:"settledAt,omitempty"`
}

// Service assembles escrow status projections.
type Service struct {
	bookings booking.Store
	events   ledger.Store
	disputes disputes.Store
	policy   config.Policy
	nowFn    func() time.Time
}

// NewService creates a status service.
func NewService(bookings booking.Store, events ledger.Store, disputeStore disputes.Store, policy config.Policy) *Service {
	return &Service{
		bookings: bookings,
		events:   events,
		disputes: disputeStore,
		policy:   policy,
		nowFn:    time.Now,
	}
}

// WithClock overrides the service clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowFn = now
	return s
}

// For builds the escrow status of one booking.
func (s *Service) For(ctx context.Context, bookingID string) (*EscrowStatus, *booking.Booking, error) {
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	events, err := s.events.ListByBooking(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	ds, err := s.disputes.ListByBooking(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}

	now := s.nowFn().UTC()
	in := b.TimerInputs()
	sched := timers.Derive(in, s.policy)

	summaries := make([]DisputeSummary, 0, len(ds))
	for _, d := range ds {
		summaries = append(summaries, DisputeSummary{
			ID:       d.ID,
			Subject:  d.Subject,
			Status:   d.Status,
			Decision: d.Decision,
			OpenedBy: d.OpenedBy,
		})
	}

	st := &EscrowStatus{
		BookingID: b.ID,
		Status:    b.Status,
		RoomFee:   ledger.StateOf(events, ledger.SubjectRoomFee),
		Deposit:   ledger.StateOf(events, ledger.SubjectDeposit),
		Timers:    timers.ProjectViews(in, sched, now),
		Fees:      b.Fees,
		ExpectedPayouts: Payouts{
			RealtorTotal:  b.Fees.RealtorPayout(),
			PlatformTotal: b.Fees.PlatformCommission + b.Fees.ServiceFee,
			GuestDeposit:  b.Fees.SecurityDeposit,
		},
		Disputes:          summaries,
		Events:            events,
		RequiresAttention: b.RequiresAttention,
		SettledAt:         b.SettledAt,
	}
	return st, b, nil
}
