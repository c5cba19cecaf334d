package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/lodgely/lodgely/internal/money"
)

func holdEvents(bookingID string) []*Event {
	return []*Event{
		{ID: "evt_1", BookingID: bookingID, Type: EventHoldRoomFee, Amount: 30000, Currency: "USD", FromParty: "guest", ToParty: "escrow", TriggeredBy: "booking"},
		{ID: "evt_2", BookingID: bookingID, Type: EventHoldSecurityDeposit, Amount: 50000, Currency: "USD", FromParty: "guest", ToParty: "escrow", TriggeredBy: "booking"},
	}
}

func TestStateOf_NoEvents(t *testing.T) {
	st := StateOf(nil, SubjectRoomFee)
	if st.Status != FundPending {
		t.Errorf("expected PENDING, got %s", st.Status)
	}
	if st.HeldAmount != 0 {
		t.Errorf("expected zero held amount, got %d", st.HeldAmount)
	}
}

func TestStateOf_HoldOnly(t *testing.T) {
	events := holdEvents("bk_1")

	room := StateOf(events, SubjectRoomFee)
	if room.Status != FundHeld || room.HeldAmount != 30000 {
		t.Errorf("room fee: %+v", room)
	}
	dep := StateOf(events, SubjectDeposit)
	if dep.Status != FundHeld || dep.HeldAmount != 50000 {
		t.Errorf("deposit: %+v", dep)
	}
	if !room.Settleable() {
		t.Error("held fund with no terminal event should be settleable")
	}
}

func TestStateOf_PendingTerminalBlocksButIsNotSettled(t *testing.T) {
	events := append(holdEvents("bk_1"), &Event{
		ID: "evt_3", BookingID: "bk_1", Type: EventReleaseRoomFeeSplit,
		Amount: 30000, TransactionReference: "ref_abc", TriggeredBy: "worker",
	})

	st := StateOf(events, SubjectRoomFee)
	if st.Status != FundHeld {
		t.Errorf("unconfirmed terminal should leave fund HELD, got %s", st.Status)
	}
	if !st.Pending || st.PendingReference != "ref_abc" {
		t.Errorf("expected pending with reference, got %+v", st)
	}
	if st.Settleable() {
		t.Error("pending fund must not be settleable")
	}
	if st.Settled() {
		t.Error("pending fund must not report settled")
	}
}

func TestStateOf_ConfirmedTerminal(t *testing.T) {
	now := time.Now()
	events := append(holdEvents("bk_1"), &Event{
		ID: "evt_3", BookingID: "bk_1", Type: EventReleaseRoomFeeSplit,
		Amount: 30000, TransactionReference: "ref_abc", TriggeredBy: "worker",
		Provider: ProviderResponse{TransferConfirmed: true, ConfirmedAt: &now},
	})

	st := StateOf(events, SubjectRoomFee)
	if st.Status != FundReleased || !st.Settled() {
		t.Errorf("expected RELEASED, got %+v", st)
	}
	// The deposit is untouched.
	if dep := StateOf(events, SubjectDeposit); dep.Status != FundHeld {
		t.Errorf("deposit should remain HELD, got %s", dep.Status)
	}
}

func TestStateOf_FailedTerminalRevertsToHeld(t *testing.T) {
	now := time.Now()
	events := append(holdEvents("bk_1"), &Event{
		ID: "evt_3", BookingID: "bk_1", Type: EventReleaseDepositToGuest,
		Amount: 50000, TransactionReference: "ref_dep", TriggeredBy: "worker",
		Provider: ProviderResponse{TransferFailed: true, FailedAt: &now, FailureReason: "account_closed"},
	})

	st := StateOf(events, SubjectDeposit)
	if st.Status != FundHeld || st.Pending {
		t.Errorf("failed transfer should leave fund HELD and settleable, got %+v", st)
	}
	if !st.Settleable() {
		t.Error("fund with only a failed terminal must be settleable again")
	}
}

func TestStateOf_ReversedThenRetriedAndConfirmed(t *testing.T) {
	now := time.Now()
	events := append(holdEvents("bk_1"),
		&Event{
			ID: "evt_3", BookingID: "bk_1", Type: EventReleaseRoomFeeSplit,
			Amount: 30000, TransactionReference: "ref_1", TriggeredBy: "worker",
			Provider: ProviderResponse{TransferReversed: true, ReversedAt: &now},
		},
		&Event{
			ID: "evt_4", BookingID: "bk_1", Type: EventReleaseRoomFeeSplit,
			Amount: 30000, TransactionReference: "ref_2", TriggeredBy: "worker",
			Provider: ProviderResponse{TransferConfirmed: true, ConfirmedAt: &now},
		},
	)

	st := StateOf(events, SubjectRoomFee)
	if st.Status != FundReleased {
		t.Errorf("retry after reversal should settle, got %+v", st)
	}
	if st.TerminalEventID != "evt_4" {
		t.Errorf("terminal event should be the retry, got %s", st.TerminalEventID)
	}
}

func TestStateOf_DepositDeducted(t *testing.T) {
	now := time.Now()
	events := append(holdEvents("bk_1"), &Event{
		ID: "evt_3", BookingID: "bk_1", Type: EventPayRealtorFromDeposit,
		Amount: 50000, TransactionReference: "ref_x", TriggeredBy: "worker",
		Provider: ProviderResponse{TransferConfirmed: true, ConfirmedAt: &now},
	})

	if st := StateOf(events, SubjectDeposit); st.Status != FundDeducted {
		t.Errorf("expected DEDUCTED, got %s", st.Status)
	}
}

func TestStateOf_PartialRefundCompanionIsNotTerminal(t *testing.T) {
	now := time.Now()
	events := append(holdEvents("bk_1"),
		&Event{
			ID: "evt_3", BookingID: "bk_1", Type: EventRefundPartialToRealtor,
			Amount: 12000, TransactionReference: "ref_r", TriggeredBy: "worker",
			Provider: ProviderResponse{TransferConfirmed: true, ConfirmedAt: &now},
		},
	)

	// The realtor-side companion alone does not settle the room fee.
	if st := StateOf(events, SubjectRoomFee); st.Status != FundHeld || !st.Settleable() {
		t.Errorf("companion event must not settle the fund: %+v", st)
	}

	events = append(events, &Event{
		ID: "evt_4", BookingID: "bk_1", Type: EventRefundPartialToGuest,
		Amount: 15000, TransactionReference: "ref_g", TriggeredBy: "worker",
		Provider: ProviderResponse{TransferConfirmed: true, ConfirmedAt: &now},
	})
	if st := StateOf(events, SubjectRoomFee); st.Status != FundRefunded {
		t.Errorf("guest-facing partial refund settles the fund: %+v", st)
	}
}

func TestStateOf_DepositSplitWithExplicitSubject(t *testing.T) {
	now := time.Now()
	// A deposit split: realtor-side companion carries an explicit
	// DEPOSIT subject, guest remainder is the terminal event.
	events := append(holdEvents("bk_1"),
		&Event{
			ID: "evt_3", BookingID: "bk_1", Type: EventRefundPartialToRealtor,
			Subject: SubjectDeposit, Amount: 12000, TransactionReference: "ref_r",
			TriggeredBy: "worker",
			Provider:    ProviderResponse{TransferConfirmed: true, ConfirmedAt: &now},
		},
		&Event{
			ID: "evt_4", BookingID: "bk_1", Type: EventReleaseDepositToGuest,
			Amount: 38000, TransactionReference: "ref_g", TriggeredBy: "worker",
			Provider: ProviderResponse{TransferConfirmed: true, ConfirmedAt: &now},
		},
	)

	if st := StateOf(events, SubjectDeposit); st.Status != FundRefunded {
		t.Errorf("deposit split should settle the deposit: %+v", st)
	}
	// The room fee must not see the deposit-side companion.
	if st := StateOf(events, SubjectRoomFee); st.Status != FundHeld || !st.Settleable() {
		t.Errorf("room fee polluted by deposit companion: %+v", st)
	}
}

func TestMemoryStore_AppendAndReplay(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, e := range holdEvents("bk_1") {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append hold: %v", err)
		}
	}

	events, err := store.ListByBooking(ctx, "bk_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ExecutedAt.IsZero() {
		t.Error("executed_at should be stamped")
	}
}

func TestMemoryStore_RejectsSecondLiveTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, e := range holdEvents("bk_1") {
		if err := store.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	first := &Event{
		ID: "evt_3", BookingID: "bk_1", Type: EventReleaseRoomFeeSplit,
		Amount: 30000, TransactionReference: "ref_1", TriggeredBy: "worker",
	}
	if err := store.Append(ctx, first); err != nil {
		t.Fatalf("first terminal: %v", err)
	}

	second := &Event{
		ID: "evt_4", BookingID: "bk_1", Type: EventRefundRoomFeeToGuest,
		Amount: 30000, TransactionReference: "ref_2", TriggeredBy: "worker",
	}
	if err := store.Append(ctx, second); err != ErrDuplicateTerminal {
		t.Errorf("expected ErrDuplicateTerminal, got %v", err)
	}

	// After the first transfer fails, a retry is allowed.
	now := time.Now()
	err := store.SetProviderState(ctx, "evt_3", ProviderResponse{
		TransferFailed: true, FailedAt: &now, FailureReason: "insufficient_funds",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, second); err != nil {
		t.Errorf("retry after failure should append: %v", err)
	}
}

func TestMemoryStore_RejectsDuplicateReference(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	e1 := &Event{ID: "evt_1", BookingID: "bk_1", Type: EventHoldRoomFee, Amount: 100, TriggeredBy: "booking"}
	e1.TransactionReference = "ref_dup"
	// Holds normally carry no reference; force one to exercise the check.
	if err := store.Append(ctx, e1); err != nil {
		t.Fatal(err)
	}
	e2 := &Event{ID: "evt_2", BookingID: "bk_2", Type: EventHoldRoomFee, Amount: 100, TriggeredBy: "booking", TransactionReference: "ref_dup"}
	if err := store.Append(ctx, e2); err != ErrDuplicateReference {
		t.Errorf("expected ErrDuplicateReference, got %v", err)
	}
}

func TestMemoryStore_GetByReference(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Append(ctx, holdEvents("bk_1")[0]); err != nil {
		t.Fatal(err)
	}
	e := &Event{
		ID: "evt_3", BookingID: "bk_1", Type: EventReleaseRoomFeeSplit,
		Amount: money.Cents(30000), TransactionReference: "ref_find", TriggeredBy: "worker",
	}
	if err := store.Append(ctx, e); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetByReference(ctx, "ref_find")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "evt_3" {
		t.Errorf("wrong event: %+v", got)
	}
	if _, err := store.GetByReference(ctx, "ref_missing"); err != ErrEventNotFound {
		t.Errorf("expected ErrEventNotFound, got %v", err)
	}
}

func TestEventValidate(t *testing.T) {
	bad := []*Event{
		{},
		{BookingID: "bk_1"},
		{BookingID: "bk_1", Type: EventHoldRoomFee, Amount: -1},
		{BookingID: "bk_1", Type: EventReleaseRoomFeeSplit, Amount: 100}, // terminal without reference
	}
	for i, e := range bad {
		if err := e.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}

	// A zero-amount terminal event needs no transfer reference.
	zero := &Event{BookingID: "bk_1", Type: EventRefundPartialToGuest, Amount: 0}
	if err := zero.Validate(); err != nil {
		t.Errorf("zero-amount terminal: %v", err)
	}
}

func TestMemoryStore_TransferCounts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	seed := []*Event{
		{ID: "evt_1", BookingID: "bk_1", Type: EventHoldRoomFee, Amount: 30000, TriggeredBy: "booking"},
		{ID: "evt_2", BookingID: "bk_1", Type: EventReleaseRoomFeeSplit, Amount: 27000, TransactionReference: "tr_a", TriggeredBy: "worker"},
		{ID: "evt_3", BookingID: "bk_2", Type: EventReleaseDepositToGuest, Amount: 50000, TransactionReference: "tr_b", TriggeredBy: "worker",
			Provider: ProviderResponse{TransferConfirmed: true}},
		{ID: "evt_4", BookingID: "bk_3", Type: EventRefundRoomFeeToGuest, Amount: 20000, TransactionReference: "tr_c", TriggeredBy: "worker",
			Provider: ProviderResponse{TransferFailed: true}},
	}
	for _, e := range seed {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append %s: %v", e.ID, err)
		}
	}

	counts, err := store.TransferCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := TransferCounts{Pending: 1, Confirmed: 1, Failed: 1}
	if counts != want {
		t.Errorf("counts = %+v, want %+v", counts, want)
	}
}

// TestMemoryStore_RandomizedTransitions drives the store through random
// settle/confirm/fail/reverse sequences and checks the replay invariants
// after every operation. The seed is fixed so a failure reproduces.
func TestMemoryStore_RandomizedTransitions(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	terminalTypes := map[Subject][]EventType{
		SubjectRoomFee: {EventReleaseRoomFeeSplit, EventRefundRoomFeeToGuest},
		SubjectDeposit: {EventReleaseDepositToGuest, EventPayRealtorFromDeposit},
	}
	subjects := []Subject{SubjectRoomFee, SubjectDeposit}

	for trial := 0; trial < 50; trial++ {
		store := NewMemoryStore()
		bookingID := fmt.Sprintf("bk_%d", trial)
		for _, h := range holdEvents(bookingID) {
			cp := *h
			cp.ID = fmt.Sprintf("%s_%s", cp.ID, bookingID)
			if err := store.Append(ctx, &cp); err != nil {
				t.Fatal(err)
			}
		}

		prev := make(map[Subject]FundState, 2)
		for _, subj := range subjects {
			evts, _ := store.ListByBooking(ctx, bookingID)
			prev[subj] = StateOf(evts, subj)
		}

		seq := 0
		for step := 0; step < 40; step++ {
			subj := subjects[rng.Intn(len(subjects))]
			evts, _ := store.ListByBooking(ctx, bookingID)
			st := StateOf(evts, subj)
			now := time.Now().UTC()

			switch rng.Intn(4) {
			case 0: // worker appends a terminal event
				seq++
				types := terminalTypes[subj]
				err := store.Append(ctx, &Event{
					ID: fmt.Sprintf("evt_%s_%d", bookingID, seq), BookingID: bookingID,
					Type: types[rng.Intn(len(types))], Subject: subj,
					Amount: st.HeldAmount, Currency: "USD",
					FromParty: "escrow", ToParty: "party",
					TransactionReference: fmt.Sprintf("tr_%s_%d", bookingID, seq),
					TriggeredBy:          "worker",
				})
				if st.Settled() || st.Pending {
					if !errors.Is(err, ErrDuplicateTerminal) {
						t.Fatalf("trial %d step %d: second terminal slipped in: %v", trial, step, err)
					}
				} else if err != nil {
					t.Fatalf("trial %d step %d: append on settleable fund: %v", trial, step, err)
				}
			case 1: // provider confirms the pending transfer
				if st.Pending {
					if err := store.SetProviderState(ctx, st.TerminalEventID, ProviderResponse{
						TransferConfirmed: true, ConfirmedAt: &now,
					}); err != nil {
						t.Fatal(err)
					}
				}
			case 2: // provider reports the pending transfer failed
				if st.Pending {
					if err := store.SetProviderState(ctx, st.TerminalEventID, ProviderResponse{
						TransferFailed: true, FailedAt: &now, FailureReason: "synthetic",
					}); err != nil {
						t.Fatal(err)
					}
				}
			case 3: // provider reverses a confirmed transfer
				if st.Settled() {
					if err := store.SetProviderState(ctx, st.TerminalEventID, ProviderResponse{
						TransferReversed: true, ReversedAt: &now,
					}); err != nil {
						t.Fatal(err)
					}
				}
			}

			evts, _ = store.ListByBooking(ctx, bookingID)
			for _, s := range subjects {
				cur := StateOf(evts, s)
				checkFundInvariants(t, trial, step, s, prev[s], cur, evts)
				prev[s] = cur
			}
		}
	}
}

func checkFundInvariants(t *testing.T, trial, step int, subj Subject, prev, cur FundState, evts []*Event) {
	t.Helper()

	if cur.Status == FundPending {
		t.Fatalf("trial %d step %d %s: fund fell back to PENDING after its hold", trial, step, subj)
	}
	if cur.HeldAmount != prev.HeldAmount {
		t.Fatalf("trial %d step %d %s: held amount drifted %d -> %d", trial, step, subj, prev.HeldAmount, cur.HeldAmount)
	}
	if cur.Settled() && cur.Pending {
		t.Fatalf("trial %d step %d %s: settled and pending at once: %+v", trial, step, subj, cur)
	}
	if cur.Settled() && cur.Settleable() {
		t.Fatalf("trial %d step %d %s: settled fund reports settleable", trial, step, subj)
	}

	liveTerminals := 0
	for _, e := range evts {
		if e.FundSubject() != subj || !IsTerminal(e.Type) {
			continue
		}
		if !e.Provider.TransferFailed && !e.Provider.TransferReversed {
			liveTerminals++
		}
	}
	if liveTerminals > 1 {
		t.Fatalf("trial %d step %d %s: %d live terminal events", trial, step, subj, liveTerminals)
	}
	if cur.Settled() && liveTerminals != 1 {
		t.Fatalf("trial %d step %d %s: settled without a live terminal", trial, step, subj)
	}

	// A settled fund only unsettles when its terminal stopped counting.
	if prev.Settled() && !cur.Settled() {
		var dead bool
		for _, e := range evts {
			if e.ID == prev.TerminalEventID {
				dead = e.Provider.TransferFailed || e.Provider.TransferReversed
			}
		}
		if !dead {
			t.Fatalf("trial %d step %d %s: fund unsettled while its terminal is live", trial, step, subj)
		}
	}
}
