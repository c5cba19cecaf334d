package booking

import (
	"context"
	"database/sql"
	"time"

	"github.com/lodgely/lodgely/internal/money"
)

// PostgresStore persists bookings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed booking store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const bookingColumns = `id, guest_id, realtor_id, property_id, status,
	       check_in_date, check_out_date, nights, guest_count,
	       policy_version, commission_bp, room_fee_cents, cleaning_fee_cents,
	       security_deposit_cents, service_fee_cents, platform_commission_cents,
	       realtor_room_share_cents, total_charge_cents, fees_frozen_at,
	       checkin_confirmed_at, checkout_confirmed_at,
	       cancelled_at, cancelled_by, cancel_tier,
	       cancel_guest_refund_cents, cancel_realtor_portion_cents, cancel_platform_portion_cents,
	       room_fee_release_eligible_at, deposit_refund_eligible_at, dispute_window_closes_at,
	       room_fee_attempts, deposit_attempts, requires_attention, attention_reason,
	       settled_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, b *Booking) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bookings (
			id, guest_id, realtor_id, property_id, status,
			check_in_date, check_out_date, nights, guest_count,
			policy_version, commission_bp, room_fee_cents, cleaning_fee_cents,
			security_deposit_cents, service_fee_cents, platform_commission_cents,
			realtor_room_share_cents, total_charge_cents, fees_frozen_at,
			checkin_confirmed_at, checkout_confirmed_at,
			cancelled_at, cancelled_by, cancel_tier,
			cancel_guest_refund_cents, cancel_realtor_portion_cents, cancel_platform_portion_cents,
			room_fee_release_eligible_at, deposit_refund_eligible_at, dispute_window_closes_at,
			room_fee_attempts, deposit_attempts, requires_attention, attention_reason,
			settled_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16,
			$17, $18, $19,
			$20, $21,
			$22, $23, $24,
			$25, $26, $27,
			$28, $29, $30,
			$31, $32, $33, $34,
			$35, $36, $37
		)`,
		b.ID, b.GuestID, b.RealtorID, b.PropertyID, string(b.Status),
		b.CheckInDate, b.CheckOutDate, b.Nights, b.GuestCount,
		b.Fees.PolicyVersion, b.Fees.CommissionBP, int64(b.Fees.RoomFee), int64(b.Fees.CleaningFee),
		int64(b.Fees.SecurityDeposit), int64(b.Fees.ServiceFee), int64(b.Fees.PlatformCommission),
		int64(b.Fees.RealtorRoomShare), int64(b.Fees.TotalCharge), b.Fees.FrozenAt,
		nullTime(b.CheckinConfirmedAt), nullTime(b.CheckoutConfirmedAt),
		nullTime(b.CancelledAt), nullString(b.CancelledBy), nullString(b.CancelTier),
		int64(b.CancelGuestRefund), int64(b.CancelRealtorPortion), int64(b.CancelPlatformPortion),
		nullTime(b.RoomFeeReleaseEligibleAt), nullTime(b.DepositRefundEligibleAt), nullTime(b.DisputeWindowClosesAt),
		b.RoomFeeAttempts, b.DepositAttempts, b.RequiresAttention, nullString(b.AttentionReason),
		nullTime(b.SettledAt), b.CreatedAt, b.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)

	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return b, err
}

func (p *PostgresStore) Update(ctx context.Context, b *Booking) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET
			status = $1,
			checkin_confirmed_at = $2, checkout_confirmed_at = $3,
			cancelled_at = $4, cancelled_by = $5, cancel_tier = $6,
			cancel_guest_refund_cents = $7, cancel_realtor_portion_cents = $8,
			cancel_platform_portion_cents = $9,
			room_fee_release_eligible_at = $10, deposit_refund_eligible_at = $11,
			dispute_window_closes_at = $12,
			room_fee_attempts = $13, deposit_attempts = $14,
			requires_attention = $15, attention_reason = $16,
			settled_at = $17, updated_at = $18
		WHERE id = $19`,
		string(b.Status),
		nullTime(b.CheckinConfirmedAt), nullTime(b.CheckoutConfirmedAt),
		nullTime(b.CancelledAt), nullString(b.CancelledBy), nullString(b.CancelTier),
		int64(b.CancelGuestRefund), int64(b.CancelRealtorPortion),
		int64(b.CancelPlatformPortion),
		nullTime(b.RoomFeeReleaseEligibleAt), nullTime(b.DepositRefundEligibleAt),
		nullTime(b.DisputeWindowClosesAt),
		b.RoomFeeAttempts, b.DepositAttempts,
		b.RequiresAttention, nullString(b.AttentionReason),
		nullTime(b.SettledAt), b.UpdatedAt,
		b.ID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings
		 WHERE guest_id = $1 OR realtor_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		partyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBookings(rows)
}

func (p *PostgresStore) ListSettlementCandidates(ctx context.Context, now time.Time, limit int) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings
		 WHERE requires_attention = FALSE
		   AND settled_at IS NULL
		   AND (
		     status = 'CANCELLED'
		     OR (room_fee_release_eligible_at IS NOT NULL AND room_fee_release_eligible_at <= $1)
		     OR (deposit_refund_eligible_at IS NOT NULL AND deposit_refund_eligible_at <= $1)
		   )
		 ORDER BY created_at LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBookings(rows)
}

func (p *PostgresStore) CountAttention(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bookings WHERE requires_attention = TRUE`).Scan(&n)
	return n, err
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(s scanner) (*Booking, error) {
	var (
		b                                                   Booking
		status                                              string
		roomFee, cleaningFee, deposit, serviceFee           int64
		commission, realtorShare, totalCharge               int64
		cancelGuest, cancelRealtor, cancelPlatform          int64
		checkinAt, checkoutAt, cancelledAt                  sql.NullTime
		cancelledBy, cancelTier, attentionReason            sql.NullString
		roomEligibleAt, depositEligibleAt, windowClosesAt   sql.NullTime
		settledAt                                           sql.NullTime
	)
	err := s.Scan(
		&b.ID, &b.GuestID, &b.RealtorID, &b.PropertyID, &status,
		&b.CheckInDate, &b.CheckOutDate, &b.Nights, &b.GuestCount,
		&b.Fees.PolicyVersion, &b.Fees.CommissionBP, &roomFee, &cleaningFee,
		&deposit, &serviceFee, &commission,
		&realtorShare, &totalCharge, &b.Fees.FrozenAt,
		&checkinAt, &checkoutAt,
		&cancelledAt, &cancelledBy, &cancelTier,
		&cancelGuest, &cancelRealtor, &cancelPlatform,
		&roomEligibleAt, &depositEligibleAt, &windowClosesAt,
		&b.RoomFeeAttempts, &b.DepositAttempts, &b.RequiresAttention, &attentionReason,
		&settledAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = Status(status)
	b.Fees.RoomFee = money.Cents(roomFee)
	b.Fees.CleaningFee = money.Cents(cleaningFee)
	b.Fees.SecurityDeposit = money.Cents(deposit)
	b.Fees.ServiceFee = money.Cents(serviceFee)
	b.Fees.PlatformCommission = money.Cents(commission)
	b.Fees.RealtorRoomShare = money.Cents(realtorShare)
	b.Fees.TotalCharge = money.Cents(totalCharge)
	b.CheckinConfirmedAt = timePtr(checkinAt)
	b.CheckoutConfirmedAt = timePtr(checkoutAt)
	b.CancelledAt = timePtr(cancelledAt)
	b.CancelledBy = cancelledBy.String
	b.CancelTier = cancelTier.String
	b.CancelGuestRefund = money.Cents(cancelGuest)
	b.CancelRealtorPortion = money.Cents(cancelRealtor)
	b.CancelPlatformPortion = money.Cents(cancelPlatform)
	b.RoomFeeReleaseEligibleAt = timePtr(roomEligibleAt)
	b.DepositRefundEligibleAt = timePtr(depositEligibleAt)
	b.DisputeWindowClosesAt = timePtr(windowClosesAt)
	b.AttentionReason = attentionReason.String
	b.SettledAt = timePtr(settledAt)
	return &b, nil
}

func scanBookings(rows *sql.Rows) ([]*Booking, error) {
	var bookings []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
