package status

import (
	"context"
	"testing"
	"time"

	"github.com/lodgely/lodgely/internal/booking"
	"github.com/lodgely/lodgely/internal/config"
	"github.com/lodgely/lodgely/internal/disputes"
	"github.com/lodgely/lodgely/internal/fees"
	"github.com/lodgely/lodgely/internal/ledger"
)

var (
	fixedNow = time.Date(2026, 4, 11, 12, 0, 0, 0, time.UTC)
	checkIn  = time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC)
	checkOut = time.Date(2026, 4, 13, 11, 0, 0, 0, time.UTC)
)

func testPolicy() config.Policy {
	return config.Policy{
		Version:             1,
		CommissionBP:        1000,
		RoomFeeReleaseDelay: time.Hour,
		DepositRefundDelay:  48 * time.Hour,
		Tiers:               config.DefaultTiers(),
	}
}

func seed(t *testing.T) (*Service, *booking.MemoryStore, *ledger.MemoryStore, *disputes.MemoryStore) {
	t.Helper()
	bookings := booking.NewMemoryStore()
	events := ledger.NewMemoryStore()
	disputeStore := disputes.NewMemoryStore()
	svc := NewService(bookings, events, disputeStore, testPolicy()).
		WithClock(func() time.Time { return fixedNow })
	return svc, bookings, events, disputeStore
}

func seedBooking(t *testing.T, bookings *booking.MemoryStore, events *ledger.MemoryStore) *booking.Booking {
	t.Helper()
	ctx := context.Background()

	confirmed := checkIn
	release := confirmed.Add(time.Hour)
	b := &booking.Booking{
		ID: "bkg_1", GuestID: "gst_a", RealtorID: "rlt_b",
		Status:       booking.StatusCheckedIn,
		CheckInDate:  checkIn,
		CheckOutDate: checkOut,
		Fees: fees.Snapshot{
			PolicyVersion:      1,
			CommissionBP:       1000,
			RoomFee:            20000,
			CleaningFee:        5000,
			SecurityDeposit:    50000,
			ServiceFee:         2500,
			PlatformCommission: 2000,
			RealtorRoomShare:   18000,
		},
		CheckinConfirmedAt:       &confirmed,
		RoomFeeReleaseEligibleAt: &release,
		CreatedAt:                checkIn.Add(-30 * 24 * time.Hour),
	}
	if err := bookings.Create(ctx, b); err != nil {
		t.Fatal(err)
	}

	holds := []*ledger.Event{
		{ID: "evt_h1", BookingID: b.ID, Type: ledger.EventHoldRoomFee, Amount: 20000,
			Currency: "USD", FromParty: "gst_a", ToParty: "escrow", TriggeredBy: "booking",
			ExecutedAt: b.CreatedAt},
		{ID: "evt_h2", BookingID: b.ID, Type: ledger.EventHoldSecurityDeposit, Amount: 50000,
			Currency: "USD", FromParty: "gst_a", ToParty: "escrow", TriggeredBy: "booking",
			ExecutedAt: b.CreatedAt},
	}
	for _, e := range holds {
		if err := events.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	return b
}

func TestFor_ProjectsFundsTimersAndPayouts(t *testing.T) {
	ctx := context.Background()
	svc, bookings, events, _ := seed(t)
	seedBooking(t, bookings, events)

	st, b, err := svc.For(ctx, "bkg_1")
	if err != nil {
		t.Fatal(err)
	}
	if b.ID != "bkg_1" {
		t.Errorf("booking: %s", b.ID)
	}

	if st.RoomFee.Status != ledger.FundHeld || st.RoomFee.HeldAmount != 20000 {
		t.Errorf("room fee: %+v", st.RoomFee)
	}
	if st.Deposit.Status != ledger.FundHeld || st.Deposit.HeldAmount != 50000 {
		t.Errorf("deposit: %+v", st.Deposit)
	}

	// Stay started; the release timer is past, checkout is ahead.
	if !st.Timers.CheckIn.IsPast {
		t.Error("check-in should be past")
	}
	if !st.Timers.RoomFeeRelease.IsPast {
		t.Error("release timer should be past at T+21h")
	}
	if st.Timers.CheckOut.IsPast || st.Timers.CheckOut.RemainingMS <= 0 {
		t.Errorf("checkout timer: %+v", st.Timers.CheckOut)
	}
	// No checkout confirmation yet; the deposit timer runs off the
	// scheduled check-out in the meantime.
	wantRefund := checkOut.Add(48 * time.Hour)
	if st.Timers.DepositRefund.Date == nil || !st.Timers.DepositRefund.Date.Equal(wantRefund) {
		t.Errorf("deposit timer before checkout: %+v", st.Timers.DepositRefund)
	}
	if st.Timers.DepositRefund.IsPast {
		t.Error("deposit timer should still be running")
	}

	// Realtor: $180 room share + $50 cleaning. Platform: $20 + $25.
	if st.ExpectedPayouts.RealtorTotal != 23000 {
		t.Errorf("realtor payout: %d", st.ExpectedPayouts.RealtorTotal)
	}
	if st.ExpectedPayouts.PlatformTotal != 4500 {
		t.Errorf("platform payout: %d", st.ExpectedPayouts.PlatformTotal)
	}
	if st.ExpectedPayouts.GuestDeposit != 50000 {
		t.Errorf("guest deposit: %d", st.ExpectedPayouts.GuestDeposit)
	}

	if len(st.Events) != 2 {
		t.Errorf("events: %d", len(st.Events))
	}
}

func TestFor_IncludesDisputeSummaries(t *testing.T) {
	ctx := context.Background()
	svc, bookings, events, disputeStore := seed(t)
	seedBooking(t, bookings, events)

	d := &disputes.Dispute{
		ID: "dsp_1", BookingID: "bkg_1",
		Subject: ledger.SubjectRoomFee, Status: disputes.StatusOpen,
		OpenedBy: "gst_a", Reason: "listing mismatch",
		CreatedAt: fixedNow, UpdatedAt: fixedNow,
	}
	if err := disputeStore.Create(ctx, d); err != nil {
		t.Fatal(err)
	}

	st, _, err := svc.For(ctx, "bkg_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Disputes) != 1 {
		t.Fatalf("disputes: %d", len(st.Disputes))
	}
	got := st.Disputes[0]
	if got.ID != "dsp_1" || got.Subject != ledger.SubjectRoomFee || got.Status != disputes.StatusOpen {
		t.Errorf("summary: %+v", got)
	}
}

func TestFor_UnknownBooking(t *testing.T) {
	svc, _, _, _ := seed(t)
	if _, _, err := svc.For(context.Background(), "bkg_missing"); err != booking.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
