// Package refunds computes tiered cancellation splits.
//
// The tier schedule comes from the policy frozen into the booking. The
// split applies to the room fee only: the security deposit and cleaning
// fee are returned to the guest in full on any cancellation, and the
// service fee is retained by the platform.
package refunds

import (
	"errors"
	"time"

	"github.com/lodgely/lodgely/internal/config"
	"github.com/lodgely/lodgely/internal/money"
)

var ErrNoTier = errors.New("no refund tier matches")

// Split is the room-fee division a cancellation produces.
type Split struct {
	Tier        string  `json:"tier"`
	HoursBefore float64 `json:"hoursBeforeCheckIn"`

	// GuestRefund + RealtorPortion + PlatformPortion == room fee,
	// exactly. The platform portion absorbs rounding remainders.
	GuestRefund     money.Cents `json:"guestRefundCents"`
	RealtorPortion  money.Cents `json:"realtorPortionCents"`
	PlatformPortion money.Cents `json:"platformPortionCents"`
}

// FullRefund reports whether the guest gets the entire room fee back.
func (s Split) FullRefund() bool {
	return s.RealtorPortion == 0 && s.PlatformPortion == 0
}

// ForCancellation picks the tier in force at cancelledAt and divides
// the room fee. Tiers must be ordered by descending MinHoursBefore with
// a final zero-threshold tier; config validation enforces that shape.
func ForCancellation(roomFee money.Cents, checkIn, cancelledAt time.Time, tiers []config.RefundTier) (Split, error) {
	if len(tiers) == 0 {
		return Split{}, ErrNoTier
	}

	hours := checkIn.Sub(cancelledAt).Hours()
	// A cancellation after check-in has negative hours remaining and
	// lands in the final zero-threshold tier, same as one at the wire.
	matchHours := hours
	if matchHours < 0 {
		matchHours = 0
	}
	for _, tier := range tiers {
		if matchHours >= float64(tier.MinHoursBefore) {
			guest, realtor, rest := roomFee.Split(tier.GuestBP, tier.RealtorBP)
			return Split{
				Tier:            tier.Name,
				HoursBefore:     hours,
				GuestRefund:     guest,
				RealtorPortion:  realtor,
				PlatformPortion: rest,
			}, nil
		}
	}
	return Split{}, ErrNoTier
}
