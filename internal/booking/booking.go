// Package booking manages the booking lifecycle and its frozen fee
// snapshot.
//
// A booking moves RESERVED -> CHECKED_IN -> CHECKED_OUT, or
// RESERVED -> CANCELLED. Lifecycle confirmations stamp the timestamps
// that settlement timers derive from. Fund movement lives in the escrow
// event ledger; the eligibility fields here are derived conveniences.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lodgely/lodgely/internal/config"
	"github.com/lodgely/lodgely/internal/fees"
	"github.com/lodgely/lodgely/internal/idgen"
	"github.com/lodgely/lodgely/internal/ledger"
	"github.com/lodgely/lodgely/internal/logging"
	"github.com/lodgely/lodgely/internal/money"
	"github.com/lodgely/lodgely/internal/refunds"
	"github.com/lodgely/lodgely/internal/timers"
)

var (
	ErrNotFound          = errors.New("booking not found")
	ErrValidation        = errors.New("invalid booking request")
	ErrUnauthorizedParty = errors.New("caller is not a party to this booking")
	ErrInvalidTransition = errors.New("invalid booking state transition")
	ErrWindowClosed      = errors.New("cancellation window closed")
)

// Status is the booking lifecycle state.
type Status string

const (
	StatusReserved   Status = "RESERVED"
	StatusCheckedIn  Status = "CHECKED_IN"
	StatusCheckedOut Status = "CHECKED_OUT"
	StatusCancelled  Status = "CANCELLED"
)

// Booking is a reservation with its frozen fee snapshot and derived
// settlement eligibility.
type Booking struct {
	ID         string `json:"id"`
	GuestID    string `json:"guestId"`
	RealtorID  string `json:"realtorId"`
	PropertyID string `json:"propertyId"`
	Status     Status `json:"status"`

	CheckInDate  time.Time `json:"checkInDate"`
	CheckOutDate time.Time `json:"checkOutDate"`
	Nights       int       `json:"nights"`
	GuestCount   int       `json:"guestCount"`

	Fees fees.Snapshot `json:"fees"`

	CheckinConfirmedAt  *time.Time `json:"checkinConfirmedAt,omitempty"`
	CheckoutConfirmedAt *time.Time `json:"checkoutConfirmedAt,omitempty"`

	// Cancellation facts, frozen at cancellation time.
	CancelledAt           *time.Time  `json:"cancelledAt,omitempty"`
	CancelledBy           string      `json:"cancelledBy,omitempty"`
	CancelTier            string      `json:"cancelTier,omitempty"`
	CancelGuestRefund     money.Cents `json:"cancelGuestRefundCents,omitempty"`
	CancelRealtorPortion  money.Cents `json:"cancelRealtorPortionCents,omitempty"`
	CancelPlatformPortion money.Cents `json:"cancelPlatformPortionCents,omitempty"`

	// Derived eligibility. Anchored on confirmed lifecycle timestamps
	// once they exist, on the scheduled dates until then.
	RoomFeeReleaseEligibleAt *time.Time `json:"roomFeeReleaseEligibleAt,omitempty"`
	DepositRefundEligibleAt  *time.Time `json:"depositRefundEligibleAt,omitempty"`
	DisputeWindowClosesAt    *time.Time `json:"disputeWindowClosesAt,omitempty"`

	// Worker bookkeeping.
	RoomFeeAttempts   int        `json:"roomFeeAttempts,omitempty"`
	DepositAttempts   int        `json:"depositAttempts,omitempty"`
	RequiresAttention bool       `json:"requiresAttention,omitempty"`
	AttentionReason   string     `json:"attentionReason,omitempty"`
	SettledAt         *time.Time `json:"settledAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsParty reports whether the given party ID is the guest or realtor.
func (b *Booking) IsParty(partyID string) bool {
	return partyID == b.GuestID || partyID == b.RealtorID
}

// TimerInputs projects the lifecycle facts used for timer derivation.
func (b *Booking) TimerInputs() timers.Inputs {
	return timers.Inputs{
		CheckInDate:         b.CheckInDate,
		CheckOutDate:        b.CheckOutDate,
		CheckinConfirmedAt:  b.CheckinConfirmedAt,
		CheckoutConfirmedAt: b.CheckoutConfirmedAt,
	}
}

// Store persists bookings.
type Store interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id string) (*Booking, error)
	Update(ctx context.Context, b *Booking) error
	ListByParty(ctx context.Context, partyID string, limit int) ([]*Booking, error)

	// ListSettlementCandidates returns unsettled, unflagged bookings
	// with at least one fund whose eligibility instant has passed, or
	// which have been cancelled. The worker re-verifies every
	// candidate against the ledger under its lock.
	ListSettlementCandidates(ctx context.Context, now time.Time, limit int) ([]*Booking, error)

	CountAttention(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// CreateRequest contains the parameters for creating a booking.
// Monetary fields are decimal strings ("100.00").
type CreateRequest struct {
	GuestID         string `json:"guestId" binding:"required"`
	RealtorID       string `json:"realtorId" binding:"required"`
	PropertyID      string `json:"propertyId" binding:"required"`
	CheckInDate     string `json:"checkInDate" binding:"required"`  // RFC 3339
	CheckOutDate    string `json:"checkOutDate" binding:"required"` // RFC 3339
	NightlyRate     string `json:"nightlyRate" binding:"required"`
	CleaningFee     string `json:"cleaningFee"`
	SecurityDeposit string `json:"securityDeposit"`
	ServiceFee      string `json:"serviceFee"`
	GuestCount      int    `json:"guestCount"`
}

// Service implements booking business logic.
type Service struct {
	store  Store
	events ledger.Store
	policy config.Policy
	nowFn  func() time.Time
}

// NewService creates a new booking service.
func NewService(store Store, events ledger.Store, policy config.Policy) *Service {
	return &Service{
		store:  store,
		events: events,
		policy: policy,
		nowFn:  time.Now,
	}
}

// WithClock overrides the service clock. Tests use this to pin time.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowFn = now
	return s
}

// Create validates the request, freezes the fee snapshot under the
// current policy, persists the booking, and records the escrow holds.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Booking, error) {
	checkIn, err := time.Parse(time.RFC3339, req.CheckInDate)
	if err != nil {
		return nil, fmt.Errorf("%w: bad checkInDate", ErrValidation)
	}
	checkOut, err := time.Parse(time.RFC3339, req.CheckOutDate)
	if err != nil {
		return nil, fmt.Errorf("%w: bad checkOutDate", ErrValidation)
	}
	if !checkOut.After(checkIn) {
		return nil, fmt.Errorf("%w: checkOutDate must follow checkInDate", ErrValidation)
	}
	if req.GuestID == req.RealtorID {
		return nil, fmt.Errorf("%w: guest and realtor cannot be the same party", ErrValidation)
	}

	nights := int(checkOut.Sub(checkIn).Hours() / 24)
	if nights < 1 {
		nights = 1
	}

	rate, ok := money.Parse(req.NightlyRate)
	if !ok {
		return nil, fmt.Errorf("%w: bad nightlyRate", ErrValidation)
	}
	cleaning, ok := parseOptional(req.CleaningFee)
	if !ok {
		return nil, fmt.Errorf("%w: bad cleaningFee", ErrValidation)
	}
	deposit, ok := parseOptional(req.SecurityDeposit)
	if !ok {
		return nil, fmt.Errorf("%w: bad securityDeposit", ErrValidation)
	}
	service, ok := parseOptional(req.ServiceFee)
	if !ok {
		return nil, fmt.Errorf("%w: bad serviceFee", ErrValidation)
	}

	now := s.nowFn().UTC()
	snapshot, err := fees.Compute(fees.Inputs{
		Nights:          nights,
		NightlyRate:     rate,
		CleaningFee:     cleaning,
		SecurityDeposit: deposit,
		ServiceFee:      service,
	}, s.policy, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	b := &Booking{
		ID:           idgen.WithPrefix("bk_"),
		GuestID:      req.GuestID,
		RealtorID:    req.RealtorID,
		PropertyID:   req.PropertyID,
		Status:       StatusReserved,
		CheckInDate:  checkIn.UTC(),
		CheckOutDate: checkOut.UTC(),
		Nights:       nights,
		GuestCount:   req.GuestCount,
		Fees:         snapshot,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.applySchedule(b)
	if err := s.store.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to create booking: %w", err)
	}

	if err := s.recordHolds(ctx, b, now); err != nil {
		// Booking exists but funds were not recorded. Flag it rather
		// than guessing at fund state.
		b.RequiresAttention = true
		b.AttentionReason = "escrow hold not recorded: " + err.Error()
		b.UpdatedAt = now
		_ = s.store.Update(ctx, b)
		return nil, fmt.Errorf("failed to record escrow holds: %w", err)
	}

	logging.L(ctx).Info("booking created",
		"booking_id", b.ID,
		"room_fee_cents", int64(snapshot.RoomFee),
		"deposit_cents", int64(snapshot.SecurityDeposit),
		"policy_version", snapshot.PolicyVersion)
	return b, nil
}

func (s *Service) recordHolds(ctx context.Context, b *Booking, now time.Time) error {
	hold := &ledger.Event{
		ID:          idgen.WithPrefix("evt_"),
		BookingID:   b.ID,
		Type:        ledger.EventHoldRoomFee,
		Amount:      b.Fees.RoomFee,
		Currency:    "USD",
		FromParty:   b.GuestID,
		ToParty:     "escrow",
		TriggeredBy: "booking",
		ExecutedAt:  now,
	}
	if err := s.events.Append(ctx, hold); err != nil {
		return err
	}
	if b.Fees.SecurityDeposit > 0 {
		depositHold := &ledger.Event{
			ID:          idgen.WithPrefix("evt_"),
			BookingID:   b.ID,
			Type:        ledger.EventHoldSecurityDeposit,
			Amount:      b.Fees.SecurityDeposit,
			Currency:    "USD",
			FromParty:   b.GuestID,
			ToParty:     "escrow",
			TriggeredBy: "booking",
			ExecutedAt:  now,
		}
		if err := s.events.Append(ctx, depositHold); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a booking by ID.
func (s *Service) Get(ctx context.Context, id string) (*Booking, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns bookings where the party is guest or realtor.
func (s *Service) ListByParty(ctx context.Context, partyID string, limit int) ([]*Booking, error) {
	return s.store.ListByParty(ctx, partyID, limit)
}

// ConfirmCheckIn records a check-in confirmation by the guest or the
// realtor and starts the room fee release timer.
func (s *Service) ConfirmCheckIn(ctx context.Context, id, callerID string) (*Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !b.IsParty(callerID) {
		return nil, ErrUnauthorizedParty
	}
	if b.Status != StatusReserved {
		return nil, fmt.Errorf("%w: check-in from %s", ErrInvalidTransition, b.Status)
	}

	now := s.nowFn().UTC()
	b.Status = StatusCheckedIn
	b.CheckinConfirmedAt = &now
	s.applySchedule(b)
	b.UpdatedAt = now

	if err := s.store.Update(ctx, b); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("check-in confirmed",
		"booking_id", b.ID, "by", callerID,
		"room_fee_release_at", b.RoomFeeReleaseEligibleAt)
	return b, nil
}

// ConfirmCheckOut records a check-out confirmation and starts the
// deposit refund timer and dispute window.
func (s *Service) ConfirmCheckOut(ctx context.Context, id, callerID string) (*Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !b.IsParty(callerID) {
		return nil, ErrUnauthorizedParty
	}
	if b.Status != StatusCheckedIn {
		return nil, fmt.Errorf("%w: check-out from %s", ErrInvalidTransition, b.Status)
	}

	now := s.nowFn().UTC()
	b.Status = StatusCheckedOut
	b.CheckoutConfirmedAt = &now
	s.applySchedule(b)
	b.UpdatedAt = now

	if err := s.store.Update(ctx, b); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("check-out confirmed",
		"booking_id", b.ID, "by", callerID,
		"deposit_refund_at", b.DepositRefundEligibleAt,
		"dispute_window_closes_at", b.DisputeWindowClosesAt)
	return b, nil
}

func (s *Service) applySchedule(b *Booking) {
	sched := timers.Derive(b.TimerInputs(), s.policy)
	b.RoomFeeReleaseEligibleAt = sched.RoomFeeReleaseAt
	b.DepositRefundEligibleAt = sched.DepositRefundAt
	b.DisputeWindowClosesAt = sched.DisputeWindowClosesAt
}

// PreviewCancellation computes the split a cancellation would produce
// right now, without changing anything.
func (s *Service) PreviewCancellation(ctx context.Context, id, callerID string) (*refunds.Split, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !b.IsParty(callerID) {
		return nil, ErrUnauthorizedParty
	}
	if b.Status != StatusReserved {
		return nil, fmt.Errorf("%w: booking is %s", ErrWindowClosed, b.Status)
	}

	split, err := refunds.ForCancellation(b.Fees.RoomFee, b.CheckInDate, s.nowFn().UTC(), s.policy.Tiers)
	if err != nil {
		return nil, err
	}
	return &split, nil
}

// Cancel cancels a reserved booking and freezes the tier split. The
// settlement worker executes the resulting refunds; money does not
// move here.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (*Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != b.GuestID {
		return nil, ErrUnauthorizedParty
	}
	if b.Status == StatusCancelled {
		return nil, fmt.Errorf("%w: already cancelled", ErrInvalidTransition)
	}
	if b.Status != StatusReserved {
		return nil, fmt.Errorf("%w: booking is %s", ErrWindowClosed, b.Status)
	}

	now := s.nowFn().UTC()
	split, err := refunds.ForCancellation(b.Fees.RoomFee, b.CheckInDate, now, s.policy.Tiers)
	if err != nil {
		return nil, err
	}

	b.Status = StatusCancelled
	b.CancelledAt = &now
	b.CancelledBy = callerID
	b.CancelTier = split.Tier
	b.CancelGuestRefund = split.GuestRefund
	b.CancelRealtorPortion = split.RealtorPortion
	b.CancelPlatformPortion = split.PlatformPortion
	b.UpdatedAt = now

	if err := s.store.Update(ctx, b); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("booking cancelled",
		"booking_id", b.ID,
		"tier", split.Tier,
		"guest_refund_cents", int64(split.GuestRefund),
		"realtor_portion_cents", int64(split.RealtorPortion))
	return b, nil
}

// ClearAttention lets an operator reset a flagged booking so the
// worker picks it up again.
func (s *Service) ClearAttention(ctx context.Context, id string) (*Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b.RequiresAttention = false
	b.AttentionReason = ""
	b.RoomFeeAttempts = 0
	b.DepositAttempts = 0
	b.UpdatedAt = s.nowFn().UTC()
	if err := s.store.Update(ctx, b); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("attention flag cleared", "booking_id", b.ID)
	return b, nil
}

func parseOptional(s string) (money.Cents, bool) {
	if s == "" {
		return 0, true
	}
	return money.Parse(s)
}
