// Package disputes manages fund disputes and their resolution.
//
// An open or escalated dispute freezes settlement for its fund: the
// worker skips the fund entirely until an operator resolves the
// dispute. Room fee disputes are opened by guests, deposit disputes by
// realtors, and both are bounded by time windows derived from the
// booking lifecycle.
package disputes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lodgely/lodgely/internal/booking"
	"github.com/lodgely/lodgely/internal/idgen"
	"github.com/lodgely/lodgely/internal/ledger"
	"github.com/lodgely/lodgely/internal/logging"
	"github.com/lodgely/lodgely/internal/money"
	"github.com/lodgely/lodgely/internal/validation"
)

var (
	ErrNotFound          = errors.New("dispute not found")
	ErrWindowClosed      = errors.New("dispute window closed")
	ErrAlreadyOpen       = errors.New("fund already has an open dispute")
	ErrInvalidDecision   = errors.New("decision not valid for this dispute")
	ErrInvalidTransition = errors.New("invalid dispute state transition")
	ErrUnauthorizedParty = errors.New("caller may not act on this dispute")
)

// Status is the dispute lifecycle state.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusEscalated Status = "ESCALATED"
	StatusResolved  Status = "RESOLVED"
)

// Decision is an operator's resolution of a dispute.
type Decision string

const (
	// Room fee decisions.
	DecisionFullRefund    Decision = "FULL_REFUND"
	DecisionPartialRefund Decision = "PARTIAL_REFUND"
	DecisionNoRefund      Decision = "NO_REFUND"

	// Deposit decisions.
	DecisionFavorGuest   Decision = "FAVOR_GUEST"
	DecisionFavorRealtor Decision = "FAVOR_REALTOR"
	DecisionSplit        Decision = "SPLIT"
)

// Dispute is a contested fund on a booking.
type Dispute struct {
	ID        string         `json:"id"`
	BookingID string         `json:"bookingId"`
	Subject   ledger.Subject `json:"subject"`
	Status    Status         `json:"status"`
	OpenedBy  string         `json:"openedBy"`
	Category  string         `json:"category,omitempty"`
	Reason    string         `json:"reason"`

	Decision Decision `json:"decision,omitempty"`
	// DecisionAmount is the guest refund for PARTIAL_REFUND and the
	// realtor deduction for SPLIT. Zero otherwise.
	DecisionAmount money.Cents `json:"decisionAmountCents,omitempty"`
	ResolvedBy     string      `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time  `json:"resolvedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Blocking reports whether this dispute freezes its fund.
func (d *Dispute) Blocking() bool {
	return d.Status == StatusOpen || d.Status == StatusEscalated
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListByBooking(ctx context.Context, bookingID string) ([]*Dispute, error)
	Ping(ctx context.Context) error
}

// BookingSource is the slice of the booking store disputes need.
type BookingSource interface {
	Get(ctx context.Context, id string) (*booking.Booking, error)
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	Subject  string `json:"subject" binding:"required"` // ROOM_FEE or DEPOSIT
	Category string `json:"category"`
	Reason   string `json:"reason" binding:"required"`
}

// ResolveRequest contains the parameters for resolving a dispute.
type ResolveRequest struct {
	Decision Decision `json:"decision" binding:"required"`
	Amount   string   `json:"amount"` // decimal string; PARTIAL_REFUND and SPLIT only
}

// Service implements dispute business logic.
type Service struct {
	store    Store
	bookings BookingSource
	nowFn    func() time.Time
}

// NewService creates a new dispute service.
func NewService(store Store, bookings BookingSource) *Service {
	return &Service{store: store, bookings: bookings, nowFn: time.Now}
}

// WithClock overrides the service clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowFn = now
	return s
}

// Open opens a dispute against a fund. Room fee disputes belong to the
// guest and must land before the release eligibility instant; deposit
// disputes belong to the realtor and must land before the dispute
// window closes.
func (s *Service) Open(ctx context.Context, bookingID, callerID string, req OpenRequest) (*Dispute, error) {
	subject := ledger.Subject(req.Subject)
	if subject != ledger.SubjectRoomFee && subject != ledger.SubjectDeposit {
		return nil, fmt.Errorf("%w: unknown subject %q", ErrInvalidDecision, req.Subject)
	}

	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	now := s.nowFn().UTC()
	switch subject {
	case ledger.SubjectRoomFee:
		if callerID != b.GuestID {
			return nil, ErrUnauthorizedParty
		}
		if b.CheckinConfirmedAt == nil {
			return nil, fmt.Errorf("%w: stay has not started", ErrWindowClosed)
		}
		if b.RoomFeeReleaseEligibleAt != nil && !now.Before(*b.RoomFeeReleaseEligibleAt) {
			return nil, fmt.Errorf("%w: room fee release window has passed", ErrWindowClosed)
		}
	case ledger.SubjectDeposit:
		if callerID != b.RealtorID {
			return nil, ErrUnauthorizedParty
		}
		if b.Fees.SecurityDeposit == 0 {
			return nil, fmt.Errorf("%w: booking holds no deposit", ErrInvalidDecision)
		}
		if b.CheckoutConfirmedAt == nil {
			return nil, fmt.Errorf("%w: stay has not ended", ErrWindowClosed)
		}
		if b.DisputeWindowClosesAt != nil && !now.Before(*b.DisputeWindowClosesAt) {
			return nil, fmt.Errorf("%w: deposit dispute window has passed", ErrWindowClosed)
		}
	}

	existing, err := s.store.ListByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	for _, d := range existing {
		if d.Subject == subject && d.Blocking() {
			return nil, ErrAlreadyOpen
		}
	}

	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		BookingID: bookingID,
		Subject:   subject,
		Status:    StatusOpen,
		OpenedBy:  callerID,
		Category:  validation.SanitizeString(req.Category, 64),
		Reason:    validation.SanitizeString(req.Reason, validation.MaxStringLength),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("dispute opened",
		"dispute_id", d.ID, "booking_id", bookingID,
		"subject", string(subject), "opened_by", callerID)
	return d, nil
}

// Escalate moves an open dispute to ESCALATED. Escalation changes who
// handles the case, not whether the fund is frozen.
func (s *Service) Escalate(ctx context.Context, id, callerID string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: escalate from %s", ErrInvalidTransition, d.Status)
	}

	d.Status = StatusEscalated
	d.UpdatedAt = s.nowFn().UTC()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("dispute escalated", "dispute_id", d.ID, "by", callerID)
	return d, nil
}

// Resolve records an operator decision and unfreezes the fund. The
// settlement worker reads the decision when it next visits the booking.
func (s *Service) Resolve(ctx context.Context, id, operatorID string, req ResolveRequest) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Blocking() {
		return nil, fmt.Errorf("%w: resolve from %s", ErrInvalidTransition, d.Status)
	}

	b, err := s.bookings.Get(ctx, d.BookingID)
	if err != nil {
		return nil, err
	}

	amount, err := s.decisionAmount(d, b, req)
	if err != nil {
		return nil, err
	}

	now := s.nowFn().UTC()
	d.Status = StatusResolved
	d.Decision = req.Decision
	d.DecisionAmount = amount
	d.ResolvedBy = operatorID
	d.ResolvedAt = &now
	d.UpdatedAt = now

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("dispute resolved",
		"dispute_id", d.ID, "booking_id", d.BookingID,
		"decision", string(req.Decision), "amount_cents", int64(amount),
		"resolved_by", operatorID)
	return d, nil
}

func (s *Service) decisionAmount(d *Dispute, b *booking.Booking, req ResolveRequest) (money.Cents, error) {
	switch d.Subject {
	case ledger.SubjectRoomFee:
		switch req.Decision {
		case DecisionFullRefund, DecisionNoRefund:
			return 0, nil
		case DecisionPartialRefund:
			amount, ok := money.Parse(req.Amount)
			if !ok || amount <= 0 || amount >= b.Fees.RoomFee {
				return 0, fmt.Errorf("%w: partial refund must be between 0 and the room fee", ErrInvalidDecision)
			}
			return amount, nil
		}
	case ledger.SubjectDeposit:
		switch req.Decision {
		case DecisionFavorGuest, DecisionFavorRealtor:
			return 0, nil
		case DecisionSplit:
			amount, ok := money.Parse(req.Amount)
			if !ok || amount <= 0 || amount >= b.Fees.SecurityDeposit {
				return 0, fmt.Errorf("%w: split deduction must be between 0 and the deposit", ErrInvalidDecision)
			}
			return amount, nil
		}
	}
	return 0, fmt.Errorf("%w: %s does not apply to %s", ErrInvalidDecision, req.Decision, d.Subject)
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByBooking returns a booking's disputes.
func (s *Service) ListByBooking(ctx context.Context, bookingID string) ([]*Dispute, error) {
	return s.store.ListByBooking(ctx, bookingID)
}

// Gate answers the settlement worker's question: is this fund frozen,
// and if a resolved dispute exists, what did the operator decide?
type Gate struct {
	Blocked    bool
	Resolution *Dispute // latest resolved dispute for the fund, if any
}

// GateFor inspects a booking's disputes for one fund.
func (s *Service) GateFor(ctx context.Context, bookingID string, subject ledger.Subject) (Gate, error) {
	all, err := s.store.ListByBooking(ctx, bookingID)
	if err != nil {
		return Gate{}, err
	}
	var g Gate
	for _, d := range all {
		if d.Subject != subject {
			continue
		}
		if d.Blocking() {
			g.Blocked = true
		}
		if d.Status == StatusResolved {
			if g.Resolution == nil || d.ResolvedAt.After(*g.Resolution.ResolvedAt) {
				g.Resolution = d
			}
		}
	}
	return g, nil
}
