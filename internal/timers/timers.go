// Package timers derives settlement eligibility times from booking
// lifecycle timestamps. Timers gate when the worker may act; they never
// move money themselves.
package timers

import (
	"time"

	"github.com/lodgely/lodgely/internal/config"
)

// Inputs are the lifecycle facts a schedule is derived from.
type Inputs struct {
	CheckInDate         time.Time
	CheckOutDate        time.Time
	CheckinConfirmedAt  *time.Time
	CheckoutConfirmedAt *time.Time
}

// Schedule holds derived eligibility instants. A nil entry means no
// anchor exists yet, confirmed or scheduled.
type Schedule struct {
	// RoomFeeReleaseAt is when the room fee becomes eligible for the
	// realtor/platform split. Anchored on the confirmed check-in,
	// falling back to the scheduled check-in date.
	RoomFeeReleaseAt *time.Time

	// DepositRefundAt is when the security deposit becomes eligible to
	// return to the guest. Anchored on the confirmed check-out, falling
	// back to the scheduled check-out date.
	DepositRefundAt *time.Time

	// DisputeWindowClosesAt is the deadline for opening a deposit
	// dispute. Defaults to the deposit refund instant; a policy
	// override shortens or extends it independently.
	DisputeWindowClosesAt *time.Time
}

// Derive computes the schedule for the given lifecycle inputs under a
// policy. Deterministic: same inputs and policy, same schedule.
func Derive(in Inputs, p config.Policy) Schedule {
	var s Schedule

	if ci := anchor(in.CheckinConfirmedAt, in.CheckInDate); ci != nil {
		t := ci.Add(p.RoomFeeReleaseDelay)
		s.RoomFeeReleaseAt = &t
	}
	if out := anchor(in.CheckoutConfirmedAt, in.CheckOutDate); out != nil {
		t := out.Add(p.DepositRefundDelay)
		s.DepositRefundAt = &t

		w := t
		if p.DisputeWindow > 0 {
			w = out.Add(p.DisputeWindow)
		}
		s.DisputeWindowClosesAt = &w
	}
	return s
}

// anchor picks the confirmed lifecycle timestamp when one exists, else
// the scheduled date. Bookings that recorded no confirmation still
// settle off their itinerary rather than hanging forever.
func anchor(confirmed *time.Time, scheduled time.Time) *time.Time {
	if confirmed != nil {
		return confirmed
	}
	if scheduled.IsZero() {
		return nil
	}
	return &scheduled
}

// View is the API projection of a single timer.
type View struct {
	Date        *time.Time `json:"date"`
	IsPast      bool       `json:"isPast"`
	RemainingMS int64      `json:"remainingMs"`
}

// ViewOf projects a timer instant relative to now. A nil instant views
// as not past with zero remaining.
func ViewOf(t *time.Time, now time.Time) View {
	if t == nil {
		return View{}
	}
	v := View{Date: t}
	if remaining := t.Sub(now); remaining > 0 {
		v.RemainingMS = remaining.Milliseconds()
	} else {
		v.IsPast = true
	}
	return v
}

// Views is the full set of guest-visible timers on a booking.
type Views struct {
	CheckIn        View `json:"checkIn"`
	CheckOut       View `json:"checkOut"`
	RoomFeeRelease View `json:"roomFeeRelease"`
	DepositRefund  View `json:"depositRefund"`
	DisputeWindow  View `json:"disputeWindow"`
}

// ProjectViews assembles the timer views for a booking.
func ProjectViews(in Inputs, s Schedule, now time.Time) Views {
	checkIn := in.CheckInDate
	checkOut := in.CheckOutDate
	return Views{
		CheckIn:        ViewOf(&checkIn, now),
		CheckOut:       ViewOf(&checkOut, now),
		RoomFeeRelease: ViewOf(s.RoomFeeReleaseAt, now),
		DepositRefund:  ViewOf(s.DepositRefundAt, now),
		DisputeWindow:  ViewOf(s.DisputeWindowClosesAt, now),
	}
}
