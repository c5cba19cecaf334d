package joblock

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists job leases in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed lease store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Acquire(ctx context.Context, l *Lock) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Serialize acquisition attempts per job name so two workers
	// cannot both pass the overlap check.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, l.JobName); err != nil {
		return err
	}

	var blocked bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM job_locks
			WHERE expires_at > NOW()
			  AND (job_name = $1 OR booking_ids && $2)
		)`,
		l.JobName, pq.Array(l.BookingIDs)).Scan(&blocked)
	if err != nil {
		return err
	}
	if blocked {
		return ErrLockHeld
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_locks (id, job_name, locked_by, booking_ids, acquired_at, expires_at, renewed_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULL)`,
		l.ID, l.JobName, l.LockedBy, pq.Array(l.BookingIDs), l.AcquiredAt, l.ExpiresAt,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Renew(ctx context.Context, id string, newExpiry time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE job_locks
		SET expires_at = $1, renewed_at = NOW()
		WHERE id = $2 AND expires_at > NOW() AND expires_at <= $1`,
		newExpiry, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either gone, already expired, or the new expiry would
		// shorten the lease. Distinguish gone from expired.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM job_locks WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrLockNotFound
		}
		return ErrLockExpired
	}
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM job_locks WHERE id = $1`, id)
	return err
}

const lockColumns = `id, job_name, locked_by, booking_ids, acquired_at, expires_at, renewed_at`

func (p *PostgresStore) ListActive(ctx context.Context, now time.Time) ([]*Lock, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+lockColumns+` FROM job_locks WHERE expires_at > $1 ORDER BY acquired_at`,
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []*Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Lock, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+lockColumns+` FROM job_locks WHERE id = $1`, id)

	l, err := scanLock(row)
	if err == sql.ErrNoRows {
		return nil, ErrLockNotFound
	}
	return l, err
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLock(s scanner) (*Lock, error) {
	var (
		l         Lock
		ids       pq.StringArray
		renewedAt sql.NullTime
	)
	err := s.Scan(&l.ID, &l.JobName, &l.LockedBy, &ids, &l.AcquiredAt, &l.ExpiresAt, &renewedAt)
	if err != nil {
		return nil, err
	}
	l.BookingIDs = []string(ids)
	if renewedAt.Valid {
		t := renewedAt.Time
		l.RenewedAt = &t
	}
	return &l, nil
}
