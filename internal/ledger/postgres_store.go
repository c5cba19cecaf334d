package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/lodgely/lodgely/internal/money"
)

// PostgresStore persists escrow events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const eventColumns = `id, booking_id, type, subject, amount_cents, currency, from_party, to_party,
	       transaction_reference, confirmed, confirmed_at, failed, failed_at,
	       failure_reason, reversed, reversed_at, notes, triggered_by, executed_at`

func (p *PostgresStore) Append(ctx context.Context, e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now().UTC()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if IsTerminal(e.Type) {
		// Serialize terminal appends per booking so two workers cannot
		// both pass the live-terminal check.
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1))`, e.BookingID); err != nil {
			return err
		}
		events, err := listByBookingTx(ctx, tx, e.BookingID)
		if err != nil {
			return err
		}
		st := StateOf(events, e.FundSubject())
		if st.Settled() || st.Pending {
			return ErrDuplicateTerminal
		}
	}

	if e.TransactionReference != "" {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrow_events WHERE transaction_reference = $1)`,
			e.TransactionReference).Scan(&exists)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateReference
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_events (
			id, booking_id, type, subject, amount_cents, currency, from_party, to_party,
			transaction_reference, confirmed, confirmed_at, failed, failed_at,
			failure_reason, reversed, reversed_at, notes, triggered_by, executed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19
		)`,
		e.ID, e.BookingID, string(e.Type), string(e.FundSubject()),
		int64(e.Amount), e.Currency, e.FromParty, e.ToParty,
		nullString(e.TransactionReference),
		e.Provider.TransferConfirmed, nullTime(e.Provider.ConfirmedAt),
		e.Provider.TransferFailed, nullTime(e.Provider.FailedAt),
		nullString(e.Provider.FailureReason),
		e.Provider.TransferReversed, nullTime(e.Provider.ReversedAt),
		nullString(e.Notes), e.TriggeredBy, e.ExecutedAt,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListByBooking(ctx context.Context, bookingID string) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM escrow_events WHERE booking_id = $1 ORDER BY executed_at, id`,
		bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func listByBookingTx(ctx context.Context, tx *sql.Tx, bookingID string) ([]*Event, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM escrow_events WHERE booking_id = $1 ORDER BY executed_at, id`,
		bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (p *PostgresStore) GetByReference(ctx context.Context, reference string) (*Event, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM escrow_events WHERE transaction_reference = $1`,
		reference)

	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	return e, err
}

func (p *PostgresStore) SetProviderState(ctx context.Context, eventID string, pr ProviderResponse) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_events SET
			confirmed = $1, confirmed_at = $2,
			failed = $3, failed_at = $4, failure_reason = $5,
			reversed = $6, reversed_at = $7
		WHERE id = $8`,
		pr.TransferConfirmed, nullTime(pr.ConfirmedAt),
		pr.TransferFailed, nullTime(pr.FailedAt), nullString(pr.FailureReason),
		pr.TransferReversed, nullTime(pr.ReversedAt),
		eventID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (p *PostgresStore) TransferCounts(ctx context.Context) (TransferCounts, error) {
	var counts TransferCounts
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE NOT confirmed AND NOT failed AND NOT reversed),
			COUNT(*) FILTER (WHERE confirmed AND NOT failed AND NOT reversed),
			COUNT(*) FILTER (WHERE failed AND NOT reversed),
			COUNT(*) FILTER (WHERE reversed)
		FROM escrow_events
		WHERE transaction_reference IS NOT NULL`).
		Scan(&counts.Pending, &counts.Confirmed, &counts.Failed, &counts.Reversed)
	return counts, err
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*Event, error) {
	var (
		e             Event
		eventType     string
		subject       string
		amount        int64
		reference     sql.NullString
		confirmedAt   sql.NullTime
		failedAt      sql.NullTime
		failureReason sql.NullString
		reversedAt    sql.NullTime
		notes         sql.NullString
	)
	err := s.Scan(
		&e.ID, &e.BookingID, &eventType, &subject, &amount, &e.Currency, &e.FromParty, &e.ToParty,
		&reference, &e.Provider.TransferConfirmed, &confirmedAt,
		&e.Provider.TransferFailed, &failedAt, &failureReason,
		&e.Provider.TransferReversed, &reversedAt, &notes, &e.TriggeredBy, &e.ExecutedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Type = EventType(eventType)
	e.Subject = Subject(subject)
	e.Amount = money.Cents(amount)
	e.TransactionReference = reference.String
	e.Provider.ConfirmedAt = timePtr(confirmedAt)
	e.Provider.FailedAt = timePtr(failedAt)
	e.Provider.FailureReason = failureReason.String
	e.Provider.ReversedAt = timePtr(reversedAt)
	e.Notes = notes.String
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
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
