// Package fees computes the monetary snapshot of a booking.
//
// The snapshot is computed once, at booking creation, from the policy in
// force at that moment. It is frozen: later policy changes never touch
// an existing booking, and no code path recomputes a frozen snapshot.
package fees

import (
	"errors"
	"fmt"
	"time"

	"github.com/lodgely/lodgely/internal/config"
	"github.com/lodgely/lodgely/internal/money"
)

var (
	ErrInvalidInput  = errors.New("invalid fee inputs")
	ErrAlreadyFrozen = errors.New("fee snapshot already frozen")
)

// Inputs are the raw monetary facts of a booking request.
type Inputs struct {
	Nights          int
	NightlyRate     money.Cents
	CleaningFee     money.Cents
	SecurityDeposit money.Cents
	ServiceFee      money.Cents
}

// Snapshot is the frozen fee breakdown of a booking.
type Snapshot struct {
	PolicyVersion int `json:"policyVersion"`
	CommissionBP  int `json:"commissionBp"`

	RoomFee         money.Cents `json:"roomFeeCents"`
	CleaningFee     money.Cents `json:"cleaningFeeCents"`
	SecurityDeposit money.Cents `json:"securityDepositCents"`
	ServiceFee      money.Cents `json:"serviceFeeCents"`

	// PlatformCommission + RealtorRoomShare == RoomFee, exactly. The
	// commission is floored and the realtor share absorbs nothing: any
	// sub-cent remainder stays with the room fee arithmetic, so the
	// identity holds by construction.
	PlatformCommission money.Cents `json:"platformCommissionCents"`
	RealtorRoomShare   money.Cents `json:"realtorRoomShareCents"`

	// TotalCharge is what the guest pays up front.
	TotalCharge money.Cents `json:"totalChargeCents"`

	FrozenAt time.Time `json:"frozenAt"`
}

// Compute derives the fee snapshot for the given inputs under a policy.
func Compute(in Inputs, p config.Policy, now time.Time) (Snapshot, error) {
	if in.Nights <= 0 {
		return Snapshot{}, fmt.Errorf("%w: nights must be positive", ErrInvalidInput)
	}
	if in.NightlyRate <= 0 {
		return Snapshot{}, fmt.Errorf("%w: nightly rate must be positive", ErrInvalidInput)
	}
	if in.CleaningFee < 0 || in.SecurityDeposit < 0 || in.ServiceFee < 0 {
		return Snapshot{}, fmt.Errorf("%w: fees cannot be negative", ErrInvalidInput)
	}
	if p.CommissionBP < 0 || p.CommissionBP > money.BasisPointsMax {
		return Snapshot{}, fmt.Errorf("%w: commission out of range", ErrInvalidInput)
	}

	roomFee := in.NightlyRate * money.Cents(in.Nights)
	commission := roomFee.ApplyRate(p.CommissionBP)

	return Snapshot{
		PolicyVersion:      p.Version,
		CommissionBP:       p.CommissionBP,
		RoomFee:            roomFee,
		CleaningFee:        in.CleaningFee,
		SecurityDeposit:    in.SecurityDeposit,
		ServiceFee:         in.ServiceFee,
		PlatformCommission: commission,
		RealtorRoomShare:   roomFee - commission,
		TotalCharge:        roomFee + in.CleaningFee + in.SecurityDeposit + in.ServiceFee,
		FrozenAt:           now.UTC(),
	}, nil
}

// RealtorPayout is the realtor's total on a normal release: room share
// plus the cleaning fee passthrough.
func (s Snapshot) RealtorPayout() money.Cents {
	return s.RealtorRoomShare + s.CleaningFee
}
