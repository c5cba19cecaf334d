// Package joblock provides distributed job leases with TTL expiry.
//
// A settlement worker acquires a lease over the set of bookings it is
// about to touch. A second worker acquiring for the same job, or for an
// overlapping booking set, gets ErrLockHeld and skips its cycle. Leases
// expire: a crashed worker's lock becomes invisible once its TTL
// passes, and an operator can force-release a stuck lease early.
package joblock

import (
	"context"
	"errors"
	"time"

	"github.com/lodgely/lodgely/internal/idgen"
)

var (
	ErrLockHeld     = errors.New("job lock held by another worker")
	ErrLockNotFound = errors.New("job lock not found")
	ErrLockExpired  = errors.New("job lock expired")
)

// Lock is a lease over a job and the booking set it covers.
type Lock struct {
	ID         string     `json:"id"`
	JobName    string     `json:"jobName"`
	LockedBy   string     `json:"lockedBy"`
	BookingIDs []string   `json:"bookingIds"`
	AcquiredAt time.Time  `json:"acquiredAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	RenewedAt  *time.Time `json:"renewedAt,omitempty"`
}

// Live reports whether the lease is still in force at the given time.
func (l *Lock) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// Overlaps reports whether two booking sets intersect.
func (l *Lock) Overlaps(bookingIDs []string) bool {
	set := make(map[string]struct{}, len(l.BookingIDs))
	for _, id := range l.BookingIDs {
		set[id] = struct{}{}
	}
	for _, id := range bookingIDs {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

// New builds a lease ready for Acquire.
func New(jobName, lockedBy string, bookingIDs []string, ttl time.Duration, now time.Time) *Lock {
	return &Lock{
		ID:         idgen.WithPrefix("lock_"),
		JobName:    jobName,
		LockedBy:   lockedBy,
		BookingIDs: bookingIDs,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
}

// Store persists job leases.
type Store interface {
	// Acquire inserts the lease. It fails with ErrLockHeld if a live
	// lease exists for the same job name or an overlapping booking
	// set. Expired leases do not block acquisition.
	Acquire(ctx context.Context, l *Lock) error

	// Renew extends a live lease. Renewal never shortens: the new
	// expiry must not be earlier than the current one, and an expired
	// or released lease cannot be renewed (ErrLockExpired).
	Renew(ctx context.Context, id string, newExpiry time.Time) error

	// Release drops a lease. Releasing an already-gone lease is a
	// no-op: the worker calls this in a defer.
	Release(ctx context.Context, id string) error

	// ListActive returns live leases.
	ListActive(ctx context.Context, now time.Time) ([]*Lock, error)

	// Get returns a lease, live or expired, if still recorded.
	Get(ctx context.Context, id string) (*Lock, error)

	Ping(ctx context.Context) error
}
