package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lodgely/lodgely/internal/booking"
	"github.com/lodgely/lodgely/internal/disputes"
	"github.com/lodgely/lodgely/internal/idgen"
	"github.com/lodgely/lodgely/internal/ledger"
	"github.com/lodgely/lodgely/internal/metrics"
	"github.com/lodgely/lodgely/internal/money"
	"github.com/lodgely/lodgely/internal/provider"
	"github.com/lodgely/lodgely/internal/retry"
	"github.com/lodgely/lodgely/internal/traces"
)

// plan is one escrow event the worker intends to append, with the
// transfer behind it. The terminal plan settles the fund; companions
// are side disbursements.
type plan struct {
	eventType ledger.EventType
	subject   ledger.Subject
	amount    money.Cents
	to        string
	terminal  bool
	notes     string
}

// settleBooking re-verifies and settles each fund of one booking. The
// caller holds the job lease.
func (w *Worker) settleBooking(ctx context.Context, b *booking.Booking) error {
	ctx, span := traces.StartSpan(ctx, "settlement.booking", traces.BookingID(b.ID))
	defer span.End()

	now := w.nowFn().UTC()
	events, err := w.events.ListByBooking(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	room := ledger.StateOf(events, ledger.SubjectRoomFee)
	dep := ledger.StateOf(events, ledger.SubjectDeposit)

	if w.maybeMarkSettled(ctx, b, room, dep, now) {
		return nil
	}

	if room.Settleable() {
		if err := w.settleRoomFee(ctx, b, room, events, now); err != nil {
			return err
		}
	}
	if dep.Settleable() && dep.HeldAmount > 0 {
		if err := w.settleDeposit(ctx, b, dep, events, now); err != nil {
			return err
		}
	}
	return nil
}

// maybeMarkSettled stamps the booking once every held fund has reached
// a confirmed terminal state, removing it from future scans.
func (w *Worker) maybeMarkSettled(ctx context.Context, b *booking.Booking, room, dep ledger.FundState, now time.Time) bool {
	if b.SettledAt != nil {
		return true
	}
	roomDone := room.Settled()
	depDone := dep.HeldAmount == 0 || dep.Settled()
	if !roomDone || !depDone {
		return false
	}
	b.SettledAt = &now
	b.UpdatedAt = now
	if err := w.bookings.Update(ctx, b); err != nil {
		w.logger.Warn("failed to mark booking settled", "booking_id", b.ID, "error", err)
		return false
	}
	w.logger.Info("booking fully settled", "booking_id", b.ID)
	return true
}

func (w *Worker) settleRoomFee(ctx context.Context, b *booking.Booking, room ledger.FundState, events []*ledger.Event, now time.Time) error {
	var plans []plan

	if b.Status == booking.StatusCancelled {
		plans = w.cancellationPlans(b)
	} else {
		if b.RoomFeeReleaseEligibleAt == nil || now.Before(*b.RoomFeeReleaseEligibleAt) {
			return nil
		}
		gate, err := w.gate.GateFor(ctx, b.ID, ledger.SubjectRoomFee)
		if err != nil {
			return fmt.Errorf("dispute gate: %w", err)
		}
		if gate.Blocked {
			w.skipDisputed(b, ledger.SubjectRoomFee)
			return nil
		}
		plans = w.roomFeePlans(b, gate.Resolution)
		if plans == nil {
			return nil // below payout threshold, deferred
		}
	}

	return w.executePlans(ctx, b, ledger.SubjectRoomFee, plans, events, now)
}

func (w *Worker) settleDeposit(ctx context.Context, b *booking.Booking, dep ledger.FundState, events []*ledger.Event, now time.Time) error {
	var plans []plan

	if b.Status == booking.StatusCancelled {
		// The guest never stayed; the deposit goes straight back.
		plans = []plan{{
			eventType: ledger.EventReleaseDepositToGuest,
			subject:   ledger.SubjectDeposit,
			amount:    dep.HeldAmount,
			to:        b.GuestID,
			terminal:  true,
			notes:     "cancellation: deposit returned in full",
		}}
	} else {
		if b.DepositRefundEligibleAt == nil || now.Before(*b.DepositRefundEligibleAt) {
			return nil
		}
		gate, err := w.gate.GateFor(ctx, b.ID, ledger.SubjectDeposit)
		if err != nil {
			return fmt.Errorf("dispute gate: %w", err)
		}
		if gate.Blocked {
			w.skipDisputed(b, ledger.SubjectDeposit)
			return nil
		}
		plans = w.depositPlans(b, dep, gate.Resolution)
	}

	return w.executePlans(ctx, b, ledger.SubjectDeposit, plans, events, now)
}

// roomFeePlans builds the room fee settlement under an optional
// dispute resolution. Returns nil when the payout is deferred.
func (w *Worker) roomFeePlans(b *booking.Booking, res *disputes.Dispute) []plan {
	fees := b.Fees

	if res != nil {
		switch res.Decision {
		case disputes.DecisionFullRefund:
			return []plan{{
				eventType: ledger.EventRefundRoomFeeToGuest,
				subject:   ledger.SubjectRoomFee,
				amount:    fees.RoomFee,
				to:        b.GuestID,
				terminal:  true,
				notes:     "dispute " + res.ID + ": full refund",
			}}
		case disputes.DecisionPartialRefund:
			// The remainder follows the frozen split: platform takes
			// its commission share of what the realtor keeps.
			remainder := fees.RoomFee - res.DecisionAmount
			commission := remainder.ApplyRate(fees.CommissionBP)
			return []plan{
				{
					eventType: ledger.EventRefundPartialToRealtor,
					subject:   ledger.SubjectRoomFee,
					amount:    remainder - commission,
					to:        b.RealtorID,
					notes:     "dispute " + res.ID + ": realtor remainder",
				},
				{
					eventType: ledger.EventRefundPartialToGuest,
					subject:   ledger.SubjectRoomFee,
					amount:    res.DecisionAmount,
					to:        b.GuestID,
					terminal:  true,
					notes:     "dispute " + res.ID + ": partial refund",
				},
			}
		}
		// NO_REFUND falls through to the normal split.
	}

	if w.policy.PayoutThreshold > 0 && fees.RealtorRoomShare > 0 &&
		int64(fees.RealtorRoomShare) < w.policy.PayoutThreshold {
		w.logger.Info("realtor payout below threshold, deferred",
			"booking_id", b.ID, "amount_cents", int64(fees.RealtorRoomShare))
		metrics.SettlementExecutionsTotal.WithLabelValues(string(ledger.SubjectRoomFee), "below_threshold").Inc()
		return nil
	}

	return []plan{{
		eventType: ledger.EventReleaseRoomFeeSplit,
		subject:   ledger.SubjectRoomFee,
		amount:    fees.RealtorRoomShare,
		to:        b.RealtorID,
		terminal:  true,
		notes: fmt.Sprintf("split: realtor %s, platform retains %s",
			fees.RealtorRoomShare.Format(), fees.PlatformCommission.Format()),
	}}
}

// cancellationPlans turns the split frozen at cancellation into events.
func (w *Worker) cancellationPlans(b *booking.Booking) []plan {
	if b.CancelRealtorPortion == 0 && b.CancelGuestRefund == b.Fees.RoomFee {
		return []plan{{
			eventType: ledger.EventRefundRoomFeeToGuest,
			subject:   ledger.SubjectRoomFee,
			amount:    b.CancelGuestRefund,
			to:        b.GuestID,
			terminal:  true,
			notes:     "cancellation tier " + b.CancelTier + ": full refund",
		}}
	}

	var plans []plan
	if b.CancelRealtorPortion > 0 {
		plans = append(plans, plan{
			eventType: ledger.EventRefundPartialToRealtor,
			subject:   ledger.SubjectRoomFee,
			amount:    b.CancelRealtorPortion,
			to:        b.RealtorID,
			notes:     "cancellation tier " + b.CancelTier + ": realtor portion",
		})
	}
	plans = append(plans, plan{
		eventType: ledger.EventRefundPartialToGuest,
		subject:   ledger.SubjectRoomFee,
		amount:    b.CancelGuestRefund,
		to:        b.GuestID,
		terminal:  true,
		notes:     "cancellation tier " + b.CancelTier + ": guest refund",
	})
	return plans
}

// depositPlans builds the deposit settlement under an optional dispute
// resolution. No resolution, or FAVOR_GUEST, returns it in full.
func (w *Worker) depositPlans(b *booking.Booking, dep ledger.FundState, res *disputes.Dispute) []plan {
	if res != nil {
		switch res.Decision {
		case disputes.DecisionFavorRealtor:
			return []plan{{
				eventType: ledger.EventPayRealtorFromDeposit,
				subject:   ledger.SubjectDeposit,
				amount:    dep.HeldAmount,
				to:        b.RealtorID,
				terminal:  true,
				notes:     "dispute " + res.ID + ": full deduction",
			}}
		case disputes.DecisionSplit:
			return []plan{
				{
					eventType: ledger.EventRefundPartialToRealtor,
					subject:   ledger.SubjectDeposit,
					amount:    res.DecisionAmount,
					to:        b.RealtorID,
					notes:     "dispute " + res.ID + ": deduction",
				},
				{
					eventType: ledger.EventReleaseDepositToGuest,
					subject:   ledger.SubjectDeposit,
					amount:    dep.HeldAmount - res.DecisionAmount,
					to:        b.GuestID,
					terminal:  true,
					notes:     "dispute " + res.ID + ": remainder to guest",
				},
			}
		}
	}

	return []plan{{
		eventType: ledger.EventReleaseDepositToGuest,
		subject:   ledger.SubjectDeposit,
		amount:    dep.HeldAmount,
		to:        b.GuestID,
		terminal:  true,
		notes:     "deposit returned in full",
	}}
}

func (w *Worker) skipDisputed(b *booking.Booking, subject ledger.Subject) {
	w.mu.Lock()
	w.stats.SkippedDisputed++
	w.mu.Unlock()
	metrics.SettlementExecutionsTotal.WithLabelValues(string(subject), "skipped_dispute").Inc()
	w.logger.Info("fund frozen by dispute, skipped",
		"booking_id", b.ID, "subject", string(subject))
}

// executePlans appends each planned event and initiates its transfer.
// The event is written first, pending, so a crash between append and
// transfer leaves a visible pending record instead of silent money.
func (w *Worker) executePlans(ctx context.Context, b *booking.Booking, subject ledger.Subject, plans []plan, events []*ledger.Event, now time.Time) error {
	for _, p := range plans {
		if !p.terminal && (p.amount == 0 || hasLiveCompanion(events, p)) {
			continue
		}
		if err := w.executePlan(ctx, b, p, now); err != nil {
			return err
		}
	}
	return nil
}

// hasLiveCompanion reports whether a non-terminal disbursement of this
// type and subject already exists and has not failed. Guards against
// double-paying the companion when the terminal append failed last
// cycle.
func hasLiveCompanion(events []*ledger.Event, p plan) bool {
	for _, e := range events {
		if e.Type == p.eventType && e.FundSubject() == p.subject &&
			!e.Provider.TransferFailed && !e.Provider.TransferReversed {
			return true
		}
	}
	return false
}

func (w *Worker) executePlan(ctx context.Context, b *booking.Booking, p plan, now time.Time) error {
	event := &ledger.Event{
		ID:          idgen.WithPrefix("evt_"),
		BookingID:   b.ID,
		Type:        p.eventType,
		Subject:     p.subject,
		Amount:      p.amount,
		Currency:    "USD",
		FromParty:   "escrow",
		ToParty:     p.to,
		Notes:       p.notes,
		TriggeredBy: "worker",
		ExecutedAt:  now,
	}

	if p.amount == 0 {
		// Nothing to transfer; the event confirms itself.
		event.Provider = ledger.ProviderResponse{TransferConfirmed: true, ConfirmedAt: &now}
		if err := w.events.Append(ctx, event); err != nil {
			if errors.Is(err, ledger.ErrDuplicateTerminal) {
				return nil
			}
			return fmt.Errorf("append event: %w", err)
		}
		metrics.SettlementExecutionsTotal.WithLabelValues(string(p.subject), "auto_confirmed").Inc()
		return nil
	}

	event.TransactionReference = "tr_" + idgen.Hex(12)
	if err := w.events.Append(ctx, event); err != nil {
		if errors.Is(err, ledger.ErrDuplicateTerminal) {
			// Another worker got here first; the ledger held the line.
			return nil
		}
		return fmt.Errorf("append event: %w", err)
	}

	ctx, span := traces.StartSpan(ctx, "settlement.transfer",
		traces.BookingID(b.ID), traces.Fund(string(p.subject)),
		traces.Amount(int64(p.amount)), traces.Reference(event.TransactionReference))
	defer span.End()

	transferErr := retry.Do(ctx, w.maxAttempts, 500*time.Millisecond, func() error {
		_, err := w.provider.Transfer(ctx, provider.TransferRequest{
			Reference:   event.TransactionReference,
			BookingID:   b.ID,
			Amount:      p.amount,
			Currency:    "USD",
			Destination: p.to,
			Description: string(p.eventType) + " " + b.ID,
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, provider.ErrOutcomeUnknown) || !provider.IsTransient(err) {
			return retry.Permanent(err)
		}
		return err
	})

	switch {
	case transferErr == nil:
		metrics.TransfersTotal.WithLabelValues("initiated").Inc()
		metrics.SettlementExecutionsTotal.WithLabelValues(string(p.subject), "pending").Inc()
		w.mu.Lock()
		w.stats.FundsSettling++
		w.mu.Unlock()
		w.logger.Info("transfer initiated",
			"booking_id", b.ID, "type", string(p.eventType),
			"amount_cents", int64(p.amount), "reference", event.TransactionReference)
		return nil

	case errors.Is(transferErr, provider.ErrOutcomeUnknown):
		// The transfer may have gone through. The pending event stays;
		// reconciliation resolves it when the webhook lands.
		metrics.TransfersTotal.WithLabelValues("unknown").Inc()
		w.logger.Warn("transfer outcome unknown, awaiting reconciliation",
			"booking_id", b.ID, "reference", event.TransactionReference, "error", transferErr)
		return nil

	default:
		// Definitive failure: nothing moved. Mark the event failed so
		// the fund drops back to HELD and gets retried next cycle.
		failed := ledger.ProviderResponse{
			TransferFailed: true,
			FailedAt:       &now,
			FailureReason:  transferErr.Error(),
		}
		if err := w.events.SetProviderState(ctx, event.ID, failed); err != nil {
			w.logger.Error("failed to mark event failed",
				"event_id", event.ID, "error", err)
		}
		metrics.TransfersTotal.WithLabelValues("failed").Inc()
		metrics.SettlementExecutionsTotal.WithLabelValues(string(p.subject), "failed").Inc()
		w.recordFailure(ctx, b, p.subject, transferErr)
		return fmt.Errorf("transfer %s: %w", event.TransactionReference, transferErr)
	}
}

// recordFailure bumps the per-fund attempt counter and flags the
// booking for an operator once the budget is exhausted. Funds are
// never silently dropped.
func (w *Worker) recordFailure(ctx context.Context, b *booking.Booking, subject ledger.Subject, cause error) {
	now := w.nowFn().UTC()

	var attempts int
	if subject == ledger.SubjectRoomFee {
		b.RoomFeeAttempts++
		attempts = b.RoomFeeAttempts
	} else {
		b.DepositAttempts++
		attempts = b.DepositAttempts
	}

	w.mu.Lock()
	w.stats.Failures++
	w.mu.Unlock()

	if attempts >= w.maxAttempts {
		b.RequiresAttention = true
		b.AttentionReason = fmt.Sprintf("%s settlement failed %d times: %v", subject, attempts, cause)
		w.mu.Lock()
		w.stats.FlaggedAttention++
		w.mu.Unlock()
		metrics.SettlementExecutionsTotal.WithLabelValues(string(subject), "attention").Inc()
		w.logger.Error("booking flagged for attention",
			"booking_id", b.ID, "subject", string(subject), "attempts", attempts)
	}

	b.UpdatedAt = now
	if err := w.bookings.Update(ctx, b); err != nil {
		w.logger.Error("failed to update booking after transfer failure",
			"booking_id", b.ID, "error", err)
	}
}
