package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lodgely/lodgely/internal/booking"
	"github.com/lodgely/lodgely/internal/config"
	"github.com/lodgely/lodgely/internal/disputes"
	"github.com/lodgely/lodgely/internal/joblock"
	"github.com/lodgely/lodgely/internal/ledger"
	"github.com/lodgely/lodgely/internal/provider"
)

func testConfig() *config.Config {
	return &config.Config{
		WorkerInterval: time.Minute,
		WorkerBatch:    10,
		LockTTL:        5 * time.Minute,
		MaxAttempts:    2,
		Policy: config.Policy{
			Version:             1,
			CommissionBP:        1000,
			RoomFeeReleaseDelay: time.Hour,
			DepositRefundDelay:  48 * time.Hour,
			Tiers:               config.DefaultTiers(),
		},
	}
}

type fixture struct {
	now      time.Time
	bookings *booking.MemoryStore
	events   *ledger.MemoryStore
	bsvc     *booking.Service
	dsvc     *disputes.Service
	locks    *joblock.MemoryStore
	prov     *provider.Mock
	worker   *Worker
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	f.bookings = booking.NewMemoryStore()
	f.events = ledger.NewMemoryStore()
	f.locks = joblock.NewMemoryStore().WithClock(clock)
	f.prov = provider.NewMock()

	f.bsvc = booking.NewService(f.bookings, f.events, cfg.Policy).WithClock(clock)
	f.dsvc = disputes.NewService(disputes.NewMemoryStore(), f.bookings).WithClock(clock)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.worker = NewWorker(f.bookings, f.events, f.dsvc, f.locks, f.prov, cfg, logger).WithClock(clock)
	return f
}

const (
	guestID   = "gst_1111aaaa2222bbbb3333cccc"
	realtorID = "rlt_4444dddd5555eeee6666ffff"
)

var (
	checkIn  = time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC)
	checkOut = time.Date(2026, 4, 13, 11, 0, 0, 0, time.UTC)
)

// $100/night x 2 nights = $200 room fee ($180 realtor, $20 platform),
// $500 deposit.
func (f *fixture) createBooking(t *testing.T) *booking.Booking {
	t.Helper()
	b, err := f.bsvc.Create(context.Background(), booking.CreateRequest{
		GuestID:         guestID,
		RealtorID:       realtorID,
		PropertyID:      "prp_7777",
		CheckInDate:     checkIn.Format(time.RFC3339),
		CheckOutDate:    checkOut.Format(time.RFC3339),
		NightlyRate:     "100.00",
		CleaningFee:     "50.00",
		SecurityDeposit: "500.00",
		ServiceFee:      "25.00",
		GuestCount:      2,
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func (f *fixture) checkIn(t *testing.T, id string) {
	t.Helper()
	f.now = checkIn
	if _, err := f.bsvc.ConfirmCheckIn(context.Background(), id, guestID); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) checkOut(t *testing.T, id string) {
	t.Helper()
	f.now = checkOut
	if _, err := f.bsvc.ConfirmCheckOut(context.Background(), id, guestID); err != nil {
		t.Fatal(err)
	}
}

// confirmAll simulates the provider webhook confirming every pending
// transfer.
func (f *fixture) confirmAll(t *testing.T, bookingID string) {
	t.Helper()
	evts, err := f.events.ListByBooking(context.Background(), bookingID)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range evts {
		if e.TransactionReference == "" || e.Provider.TransferConfirmed {
			continue
		}
		now := f.now
		if err := f.events.SetProviderState(context.Background(), e.ID, ledger.ProviderResponse{
			TransferConfirmed: true, ConfirmedAt: &now,
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	if err := f.worker.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestRunCycle_ReleasesRoomFeeAfterDelay(t *testing.T) {
	f := newFixture(t, testConfig())
	b := f.createBooking(t)
	f.checkIn(t, b.ID)

	f.now = checkIn.Add(61 * time.Minute)
	f.run(t)

	reqs := f.prov.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(reqs))
	}
	if reqs[0].Destination != realtorID || reqs[0].Amount != 18000 {
		t.Errorf("transfer: %+v", reqs[0])
	}

	evts, _ := f.events.ListByBooking(context.Background(), b.ID)
	st := ledger.StateOf(evts, ledger.SubjectRoomFee)
	if st.Status != ledger.FundHeld || !st.Pending {
		t.Errorf("room fee should be held pending confirmation, got %+v", st)
	}
}

func TestRunCycle_BeforeEligibility_NoAction(t *testing.T) {
	f := newFixture(t, testConfig())
	b := f.createBooking(t)
	f.checkIn(t, b.ID)

	f.now = checkIn.Add(30 * time.Minute)
	f.run(t)

	if n := len(f.prov.Requests()); n != 0 {
		t.Fatalf("no transfer should run before eligibility, got %d", n)
	}
	_ = b
}

func TestRunCycle_RerunDoesNotDoubleRelease(t *testing.T) {
	f := newFixture(t, testConfig())
	b := f.createBooking(t)
	f.checkIn(t, b.ID)

	f.now = checkIn.Add(2 * time.Hour)
	f.run(t)
	f.run(t)
	f.run(t)

	if n := len(f.prov.Requests()); n != 1 {
		t.Fatalf("pending terminal event must block re-execution, got %d transfers", n)
	}
	_ = b
}

func TestRunCycle_DisputeBlocksThenResolutionReleases(t *testing.T) {
	f := newFixture(t, testConfig())
	b := f.createBooking(t)
	f.checkIn(t, b.ID)

	// Guest disputes inside the one hour release window.
	f.now = checkIn.Add(10 * time.Minute)
	d, err := f.dsvc.Open(context.Background(), b.ID, guestID, disputes.OpenRequest{
		Subject: "ROOM_FEE", Reason: "property was not as listed",
	})
	if err != nil {
		t.Fatal(err)
	}

	f.now = checkIn.Add(2 * time.Hour)
	f.run(t)
	if n := len(f.prov.Requests()); n != 0 {
		t.Fatalf("open dispute must freeze the fund, got %d transfers", n)
	}

	if _, err := f.dsvc.Resolve(context.Background(), d.ID, "opr_admin", disputes.ResolveRequest{
		Decision: disputes.DecisionNoRefund,
	}); err != nil {
		t.Fatal(err)
	}

	f.run(t)
	reqs := f.prov.Requests()
	if len(reqs) != 1 || reqs[0].Destination != realtorID || reqs[0].Amount != 18000 {
		t.Fatalf("NO_REFUND should fall back to the normal split, got %+v", reqs)
	}
}

func TestRunCycle_PartialRefundResolution(t *testing.T) {
	f := newFixture(t, testConfig())
	b := f.createBooking(t)
	f.checkIn(t, b.ID)

	f.now = checkIn.Add(10 * time.Minute)
	d, err := f.dsvc.Open(context.Background(), b.ID, guestID, disputes.OpenRequest{
		Subject: "ROOM_FEE", Reason: "no hot water for one night",
	})
	if err != nil {
		t.Fatal(err)
	}
	// $50 back to the guest. Remainder $150 splits 10% platform, $135
	// realtor.
	if _, err := f.dsvc.Resolve(context.Background(), d.ID, "opr_admin", disputes.ResolveRequest{
		Decision: disputes.DecisionPartialRefund, Amount: "50.00",
	}); err != nil {
		t.Fatal(err)
	}

	f.now = checkIn.Add(2 * time.Hour)
	f.run(t)

	reqs := f.prov.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected realtor remainder and guest refund, got %d", len(reqs))
	}
	if reqs[0].Destination != realtorID || reqs[0].Amount != 13500 {
		t.Errorf("realtor remainder: %+v", reqs[0])
	}
	if reqs[1].Destination != guestID || reqs[1].Amount != 5000 {
		t.Errorf("guest refund: %+v", reqs[1])
	}
}

func TestRunCycle_CancellationMediumTier(t *testing.T) {
	f := newFixture(t, testConfig())
	b := f.createBooking(t)

	// 48h before check-in: MEDIUM, 50/40/10 of the $200 room fee.
	f.now = checkIn.Add(-48 * time.Hour)
	if _, err := f.bsvc.Cancel(context.Background(), b.ID, guestID); err != nil {
		t.Fatal(err)
	}

	f.run(t)

	reqs := f.prov.Requests()
	if len(reqs) != 3 {
		t.Fatalf("expected realtor portion, guest refund, deposit return, got %d", len(reqs))
	}
	if reqs[0].Destination != realtorID || reqs[0].Amount != 8000 {
		t.Errorf("realtor portion: %+v", reqs[0])
	}
	if reqs[1].Destination != guestID || reqs[1].Amount != 10000 {
		t.Errorf("guest refund: %+v", reqs[1])
	}
	if reqs[2].Destination != guestID || reqs[2].Amount != 50000 {
		t.Errorf("deposit return: %+v", reqs[2])
	}
}

func TestRunCycle_LateCancellationZeroRefundAutoConfirms(t *testing.T) {
	f := newFixture(t, testConfig())
	b := f.createBooking(t)

	// 12h before check-in: LATE, guest gets nothing back.
	f.now = checkIn.Add(-12 * time.Hour)
	if _, err := f.bsvc.Cancel(context.Background(), b.ID, guestID); err != nil {
		t.Fatal(err)
	}

	f.run(t)

	// Realtor portion ($180) and deposit return ($500) transfer; the
	// zero-amount guest refund settles without touching the provider.
	reqs := f.prov.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(reqs))
	}

	evts, _ := f.events.ListByBooking(context.Background(), b.ID)
	st := ledger.StateOf(evts, ledger.SubjectRoomFee)
	if st.Status != ledger.FundRefunded {
		t.Errorf("zero refund should settle immediately, got %s", st.Status)
	}
}

func TestRunCycle_DepositReleasedAfterWindow(t *testing.T) {
	f := newFixture(t, testConfig())
	b := f.createBooking(t)
	f.checkIn(t, b.ID)
	f.checkOut(t, b.ID)

	f.now = checkOut.Add(49 * time.Hour)
	f.run(t)

	reqs := f.prov.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected room fee split and deposit return, got %d", len(reqs))
	}
	if reqs[0].Destination != realtorID || reqs[0].Amount != 18000 {
		t.Errorf("room fee split: %+v", reqs[0])
	}
	if reqs[1].Destination != guestID || reqs[1].Amount != 50000 {
		t.Errorf("deposit return: %+v", reqs[1])
	}
}

func TestRunCycle_DepositDisputeSplit(t *testing.T) {
	f := newFixture(t, testConfig())
	b := f.createBooking(t)
	f.checkIn(t, b.ID)

	// Release the room fee first so only the deposit remains.
	f.now = checkIn.Add(2 * time.Hour)
	f.run(t)
	f.confirmAll(t, b.ID)

	f.checkOut(t, b.ID)
	d, err := f.dsvc.Open(context.Background(), b.ID, realtorID, disputes.OpenRequest{
		Subject: "DEPOSIT", Reason: "broken lamp", Category: "damage",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.dsvc.Resolve(context.Background(), d.ID, "opr_admin", disputes.ResolveRequest{
		Decision: disputes.DecisionSplit, Amount: "100.00",
	}); err != nil {
		t.Fatal(err)
	}

	f.now = checkOut.Add(49 * time.Hour)
	f.run(t)

	reqs := f.prov.Requests()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 transfers total, got %d", len(reqs))
	}
	if reqs[1].Destination != realtorID || reqs[1].Amount != 10000 {
		t.Errorf("realtor deduction: %+v", reqs[1])
	}
	if reqs[2].Destination != guestID || reqs[2].Amount != 40000 {
		t.Errorf("guest remainder: %+v", reqs[2])
	}

	f.confirmAll(t, b.ID)
	evts, _ := f.events.ListByBooking(context.Background(), b.ID)
	if st := ledger.StateOf(evts, ledger.SubjectDeposit); st.Status != ledger.FundRefunded {
		t.Errorf("split deposit settles REFUNDED with the deduction as companion, got %s", st.Status)
	}
}

func TestRunCycle_FavorRealtorDeductsDeposit(t *testing.T) {
	f := newFixture(t, testConfig())
	b := f.createBooking(t)
	f.checkIn(t, b.ID)
	f.now = checkIn.Add(2 * time.Hour)
	f.run(t)
	f.confirmAll(t, b.ID)

	f.checkOut(t, b.ID)
	d, err := f.dsvc.Open(context.Background(), b.ID, realtorID, disputes.OpenRequest{
		Subject: "DEPOSIT", Reason: "smoke damage throughout",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.dsvc.Resolve(context.Background(), d.ID, "opr_admin", disputes.ResolveRequest{
		Decision: disputes.DecisionFavorRealtor,
	}); err != nil {
		t.Fatal(err)
	}

	f.now = checkOut.Add(49 * time.Hour)
	f.run(t)
	f.confirmAll(t, b.ID)

	evts, _ := f.events.ListByBooking(context.Background(), b.ID)
	st := ledger.StateOf(evts, ledger.SubjectDeposit)
	if st.Status != ledger.FundDeducted {
		t.Errorf("full deduction ends DEDUCTED, got %s", st.Status)
	}
	last := f.prov.Requests()
	if got := last[len(last)-1]; got.Destination != realtorID || got.Amount != 50000 {
		t.Errorf("deposit deduction: %+v", got)
	}
}

func TestRunCycle_LockContention(t *testing.T) {
	f := newFixture(t, testConfig())
	b := f.createBooking(t)
	f.checkIn(t, b.ID)
	f.now = checkIn.Add(2 * time.Hour)

	// Another worker already holds the settlement lease.
	other := joblock.New(jobName, "worker-other", []string{b.ID}, 5*time.Minute, f.now)
	if err := f.locks.Acquire(context.Background(), other); err != nil {
		t.Fatal(err)
	}

	f.run(t)

	if n := len(f.prov.Requests()); n != 0 {
		t.Fatalf("contended cycle must not settle anything, got %d transfers", n)
	}
	stats := f.worker.Snapshot()
	if stats.LockContentions != 1 || stats.LastOutcome != "lock_contended" {
		t.Errorf("stats: %+v", stats)
	}

	// Lease released: the next cycle proceeds.
	if err := f.locks.Release(context.Background(), other.ID); err != nil {
		t.Fatal(err)
	}
	f.run(t)
	if n := len(f.prov.Requests()); n != 1 {
		t.Fatalf("expected release after contention cleared, got %d transfers", n)
	}
}

func TestRunCycle_PermanentFailureFlagsAttention(t *testing.T) {
	f := newFixture(t, testConfig())
	b := f.createBooking(t)
	f.checkIn(t, b.ID)
	f.now = checkIn.Add(2 * time.Hour)

	f.prov.FailWith = errors.New("destination account closed")

	f.run(t) // attempt 1: event appended, transfer fails, event marked failed
	f.run(t) // attempt 2: exhausts the budget

	got, err := f.bookings.Get(context.Background(), b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RoomFeeAttempts != 2 {
		t.Errorf("attempts: %d", got.RoomFeeAttempts)
	}
	if !got.RequiresAttention || got.AttentionReason == "" {
		t.Errorf("booking should be flagged: %+v", got)
	}

	// Flagged bookings drop out of the scan until an operator clears them.
	f.prov.FailWith = nil
	f.run(t)
	if n := len(f.prov.Requests()); n != 0 {
		t.Fatalf("flagged booking must not be retried, got %d transfers", n)
	}

	// Failed events leave the fund HELD and retryable.
	evts, _ := f.events.ListByBooking(context.Background(), b.ID)
	if st := ledger.StateOf(evts, ledger.SubjectRoomFee); st.Status != ledger.FundHeld || st.Pending {
		t.Errorf("fund after failures: %+v", st)
	}
}

func TestRunCycle_UnknownOutcomeStaysPending(t *testing.T) {
	f := newFixture(t, testConfig())
	b := f.createBooking(t)
	f.checkIn(t, b.ID)
	f.now = checkIn.Add(2 * time.Hour)

	f.prov.FailWith = provider.ErrOutcomeUnknown
	f.run(t)

	got, err := f.bookings.Get(context.Background(), b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RequiresAttention || got.RoomFeeAttempts != 0 {
		t.Errorf("unknown outcome is not a failure: %+v", got)
	}

	evts, _ := f.events.ListByBooking(context.Background(), b.ID)
	st := ledger.StateOf(evts, ledger.SubjectRoomFee)
	if !st.Pending || st.PendingReference == "" {
		t.Errorf("event must stay pending with its reference for reconciliation: %+v", st)
	}

	// No fresh reference is minted while the outcome is unresolved.
	f.prov.FailWith = nil
	f.run(t)
	if n := len(f.prov.Requests()); n != 0 {
		t.Fatalf("pending fund must not be retried with a new reference, got %d", n)
	}
}

func TestRunCycle_MarksBookingSettled(t *testing.T) {
	f := newFixture(t, testConfig())
	b := f.createBooking(t)
	f.checkIn(t, b.ID)
	f.checkOut(t, b.ID)

	f.now = checkOut.Add(49 * time.Hour)
	f.run(t)
	f.confirmAll(t, b.ID)
	f.run(t)

	got, err := f.bookings.Get(context.Background(), b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SettledAt == nil {
		t.Fatal("booking with both funds confirmed terminal should be marked settled")
	}

	// Settled bookings leave the candidate scan.
	candidates, err := f.bookings.ListSettlementCandidates(context.Background(), f.now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 0 {
		t.Errorf("settled booking still a candidate: %d", len(candidates))
	}
}

func TestRunCycle_PayoutThresholdDefers(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.PayoutThreshold = 1_000_000 // $10,000
	f := newFixture(t, cfg)
	b := f.createBooking(t)
	f.checkIn(t, b.ID)

	f.now = checkIn.Add(2 * time.Hour)
	f.run(t)

	if n := len(f.prov.Requests()); n != 0 {
		t.Fatalf("below-threshold payout must defer, got %d transfers", n)
	}
	evts, _ := f.events.ListByBooking(context.Background(), b.ID)
	if st := ledger.StateOf(evts, ledger.SubjectRoomFee); st.Status != ledger.FundHeld || st.Pending {
		t.Errorf("deferred fund stays plainly held: %+v", st)
	}
}
