// Package ledger maintains the append-only escrow event log.
//
// The event log is the source of truth for where money is. Booking rows
// carry derived convenience fields, but any question of the form "was
// this fund released?" is answered by replaying the booking's events.
//
// Flow:
//  1. Booking creation appends HOLD events (funds captured into escrow)
//  2. The settlement worker appends a terminal event with a pending
//     provider response when it initiates a transfer
//  3. Reconciliation flips the provider response to confirmed, failed,
//     or reversed based on provider webhooks
//  4. A failed or reversed terminal event no longer counts; the fund
//     drops back to HELD and the worker retries
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/lodgely/lodgely/internal/money"
)

var (
	ErrEventNotFound      = errors.New("escrow event not found")
	ErrDuplicateTerminal  = errors.New("fund already has a live terminal event")
	ErrDuplicateReference = errors.New("transaction reference already recorded")
	ErrInvalidEvent       = errors.New("invalid escrow event")
)

// Subject identifies which held fund an event concerns.
type Subject string

const (
	SubjectRoomFee Subject = "ROOM_FEE"
	SubjectDeposit Subject = "DEPOSIT"
)

// EventType enumerates the escrow event vocabulary.
type EventType string

const (
	// Holds record money entering escrow.
	EventHoldRoomFee         EventType = "HOLD_ROOM_FEE"
	EventHoldSecurityDeposit EventType = "HOLD_SECURITY_DEPOSIT"

	// Room fee outcomes.
	EventReleaseRoomFeeSplit    EventType = "RELEASE_ROOM_FEE_SPLIT"
	EventRefundRoomFeeToGuest   EventType = "REFUND_ROOM_FEE_TO_CUSTOMER"
	EventRefundPartialToGuest   EventType = "REFUND_PARTIAL_TO_CUSTOMER"
	EventRefundPartialToRealtor EventType = "REFUND_PARTIAL_TO_REALTOR"

	// Deposit outcomes.
	EventReleaseDepositToGuest  EventType = "RELEASE_DEPOSIT_TO_CUSTOMER"
	EventPayRealtorFromDeposit  EventType = "PAY_REALTOR_FROM_DEPOSIT"

	// EventTransferReversal records money re-entering escrow after the
	// provider reverses a settled transfer. Non-terminal: the fund state
	// change comes from the reversed flag on the original event, this
	// entry keeps the audit trail complete.
	EventTransferReversal EventType = "TRANSFER_REVERSAL"
)

// FundStatus is the derived lifecycle state of a single held fund.
type FundStatus string

const (
	FundPending  FundStatus = "PENDING"  // no hold recorded yet
	FundHeld     FundStatus = "HELD"     // money in escrow
	FundReleased FundStatus = "RELEASED" // paid out per the normal split
	FundDeducted FundStatus = "DEDUCTED" // deposit paid to the realtor
	FundRefunded FundStatus = "REFUNDED" // returned to the guest
)

// ProviderResponse tracks the payment provider's view of a transfer.
// It is the only mutable part of an event: the monetary facts are
// immutable once appended, the provider outcome arrives later.
type ProviderResponse struct {
	TransferConfirmed bool       `json:"transferConfirmed"`
	ConfirmedAt       *time.Time `json:"confirmedAt,omitempty"`
	TransferFailed    bool       `json:"transferFailed,omitempty"`
	FailedAt          *time.Time `json:"failedAt,omitempty"`
	FailureReason     string     `json:"failureReason,omitempty"`
	TransferReversed  bool       `json:"transferReversed,omitempty"`
	ReversedAt        *time.Time `json:"reversedAt,omitempty"`
}

// Event is a single append-only escrow ledger entry.
type Event struct {
	ID        string    `json:"id"`
	BookingID string    `json:"bookingId"`
	Type      EventType `json:"type"`

	// Subject pins the event to a fund. Most types imply their fund;
	// the partial-refund companions can concern either, so writers of
	// those must set it. Empty falls back to the type's default.
	Subject Subject `json:"subject,omitempty"`

	Amount money.Cents `json:"amountCents"`
	Currency  string      `json:"currency"`
	FromParty string      `json:"fromParty"`
	ToParty   string      `json:"toParty"`

	// TransactionReference is the provider-side idempotency reference.
	// Reconciliation webhooks correlate on it. Empty for hold events,
	// which involve no outbound transfer.
	TransactionReference string `json:"transactionReference,omitempty"`

	Provider    ProviderResponse `json:"provider"`
	Notes       string           `json:"notes,omitempty"`
	TriggeredBy string           `json:"triggeredBy"` // worker, webhook, operator, booking
	ExecutedAt  time.Time        `json:"executedAt"`
}

// SubjectOf maps an event type to its default fund.
func SubjectOf(t EventType) Subject {
	switch t {
	case EventHoldSecurityDeposit, EventReleaseDepositToGuest, EventPayRealtorFromDeposit:
		return SubjectDeposit
	default:
		return SubjectRoomFee
	}
}

// FundSubject returns the fund this event concerns.
func (e *Event) FundSubject() Subject {
	if e.Subject != "" {
		return e.Subject
	}
	return SubjectOf(e.Type)
}

// terminalStatus returns the fund status a confirmed event of this type
// implies, or "" for non-terminal events. REFUND_PARTIAL_TO_REALTOR is
// deliberately non-terminal: it is the realtor-side companion of a
// partial refund, and the guest-facing event carries the fund outcome.
func terminalStatus(t EventType) FundStatus {
	switch t {
	case EventReleaseRoomFeeSplit:
		return FundReleased
	case EventRefundRoomFeeToGuest, EventRefundPartialToGuest:
		return FundRefunded
	case EventReleaseDepositToGuest:
		return FundRefunded
	case EventPayRealtorFromDeposit:
		return FundDeducted
	default:
		return ""
	}
}

// IsTerminal reports whether an event type settles its fund.
func IsTerminal(t EventType) bool { return terminalStatus(t) != "" }

// IsHold reports whether an event type records money entering escrow.
func IsHold(t EventType) bool {
	return t == EventHoldRoomFee || t == EventHoldSecurityDeposit
}

// live reports whether a terminal event still counts. A failed or
// reversed transfer is dead: the fund reverts to HELD and may be
// settled again.
func live(e *Event) bool {
	return !e.Provider.TransferFailed && !e.Provider.TransferReversed
}

// FundState is the replayed state of one fund.
type FundState struct {
	Status FundStatus `json:"status"`

	// Pending is true while a live terminal event awaits provider
	// confirmation. The fund must not be settled again, but the money
	// has not verifiably moved either.
	Pending          bool   `json:"pending,omitempty"`
	PendingReference string `json:"pendingReference,omitempty"`

	// HeldAmount is the amount recorded by the hold event, zero if no
	// hold exists. Bookings created before deposits were collected
	// replay to zero here and are treated as having no deposit.
	HeldAmount money.Cents `json:"heldAmountCents"`

	TerminalEventID string `json:"terminalEventId,omitempty"`
}

// StateOf replays a booking's events and derives the state of one fund.
// Events must be in append order; stores return them that way.
func StateOf(events []*Event, subject Subject) FundState {
	st := FundState{Status: FundPending}
	for _, e := range events {
		if e.FundSubject() != subject {
			continue
		}
		if IsHold(e.Type) {
			st.Status = FundHeld
			st.HeldAmount = e.Amount
			continue
		}
		ts := terminalStatus(e.Type)
		if ts == "" || !live(e) {
			continue
		}
		if e.Provider.TransferConfirmed {
			st.Status = ts
			st.Pending = false
			st.PendingReference = ""
			st.TerminalEventID = e.ID
		} else {
			st.Pending = true
			st.PendingReference = e.TransactionReference
			st.TerminalEventID = e.ID
		}
	}
	return st
}

// Settled reports whether the fund has reached a confirmed terminal state.
func (s FundState) Settled() bool {
	return s.Status == FundReleased || s.Status == FundDeducted || s.Status == FundRefunded
}

// Settleable reports whether the worker may act on this fund: money is
// held and no live terminal event exists.
func (s FundState) Settleable() bool {
	return s.Status == FundHeld && !s.Pending
}

// Store persists escrow events.
type Store interface {
	// Append adds an event. It rejects a second live terminal event
	// for the same (booking, subject) with ErrDuplicateTerminal and a
	// duplicate non-empty transaction reference with
	// ErrDuplicateReference.
	Append(ctx context.Context, e *Event) error

	// ListByBooking returns a booking's events in append order.
	ListByBooking(ctx context.Context, bookingID string) ([]*Event, error)

	// GetByReference looks an event up by its transaction reference.
	GetByReference(ctx context.Context, reference string) (*Event, error)

	// SetProviderState updates the mutable provider response of an event.
	SetProviderState(ctx context.Context, eventID string, pr ProviderResponse) error

	// TransferCounts tallies outbound transfers by provider state, for
	// the admin health surface.
	TransferCounts(ctx context.Context) (TransferCounts, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// TransferCounts tallies events that moved money, by provider state.
// Events without a transaction reference (holds, zero-amount
// auto-confirms) are not transfers and are excluded.
type TransferCounts struct {
	Pending   int64 `json:"pending"`
	Confirmed int64 `json:"confirmed"`
	Failed    int64 `json:"failed"`
	Reversed  int64 `json:"reversed"`
}

// CountTransfer folds one event into the tally.
func (c *TransferCounts) CountTransfer(e *Event) {
	if e.TransactionReference == "" {
		return
	}
	switch {
	case e.Provider.TransferReversed:
		c.Reversed++
	case e.Provider.TransferFailed:
		c.Failed++
	case e.Provider.TransferConfirmed:
		c.Confirmed++
	default:
		c.Pending++
	}
}

// Validate checks the monetary facts of an event before appending.
func (e *Event) Validate() error {
	if e.BookingID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.Amount < 0 {
		return ErrInvalidEvent
	}
	if IsTerminal(e.Type) && e.TransactionReference == "" && e.Amount > 0 {
		return ErrInvalidEvent
	}
	return nil
}
