package disputes

import (
	"context"
	"database/sql"
	"time"

	"github.com/lodgely/lodgely/internal/ledger"
	"github.com/lodgely/lodgely/internal/money"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const disputeColumns = `id, booking_id, subject, status, opened_by, category, reason,
	       decision, decision_amount_cents, resolved_by, resolved_at,
	       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, booking_id, subject, status, opened_by, category, reason,
			decision, decision_amount_cents, resolved_by, resolved_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.BookingID, string(d.Subject), string(d.Status), d.OpenedBy,
		nullString(d.Category), d.Reason,
		nullString(string(d.Decision)), int64(d.DecisionAmount),
		nullString(d.ResolvedBy), nullTime(d.ResolvedAt),
		d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, decision = $2, decision_amount_cents = $3,
			resolved_by = $4, resolved_at = $5, updated_at = $6
		WHERE id = $7`,
		string(d.Status), nullString(string(d.Decision)), int64(d.DecisionAmount),
		nullString(d.ResolvedBy), nullTime(d.ResolvedAt), d.UpdatedAt,
		d.ID,
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

func (p *PostgresStore) ListByBooking(ctx context.Context, bookingID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE booking_id = $1 ORDER BY created_at`,
		bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var disputes []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(s scanner) (*Dispute, error) {
	var (
		d              Dispute
		subject        string
		status         string
		category       sql.NullString
		decision       sql.NullString
		decisionAmount int64
		resolvedBy     sql.NullString
		resolvedAt     sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.BookingID, &subject, &status, &d.OpenedBy, &category, &d.Reason,
		&decision, &decisionAmount, &resolvedBy, &resolvedAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Subject = ledger.Subject(subject)
	d.Status = Status(status)
	d.Category = category.String
	d.Decision = Decision(decision.String)
	d.DecisionAmount = money.Cents(decisionAmount)
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return &d, nil
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
