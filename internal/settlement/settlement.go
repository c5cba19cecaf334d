// Package settlement runs the periodic worker that moves eligible funds
// out of escrow.
//
// Each cycle scans for due bookings, takes a distributed lease over the
// batch, and re-verifies every fund under the lease before acting:
// ledger state, dispute gate, and timer eligibility are all checked
// again. The ledger's one-live-terminal-event rule makes execution
// idempotent even if two workers somehow run the same booking.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lodgely/lodgely/internal/booking"
	"github.com/lodgely/lodgely/internal/config"
	"github.com/lodgely/lodgely/internal/disputes"
	"github.com/lodgely/lodgely/internal/idgen"
	"github.com/lodgely/lodgely/internal/joblock"
	"github.com/lodgely/lodgely/internal/ledger"
	"github.com/lodgely/lodgely/internal/metrics"
	"github.com/lodgely/lodgely/internal/provider"
	"github.com/lodgely/lodgely/internal/traces"
)

const jobName = "settlement"

// DisputeGate answers whether a fund is frozen and carries any
// operator resolution.
type DisputeGate interface {
	GateFor(ctx context.Context, bookingID string, subject ledger.Subject) (disputes.Gate, error)
}

// Stats is a snapshot of worker counters for the admin surface.
type Stats struct {
	Running         bool       `json:"running"`
	LastRunAt       *time.Time `json:"lastRunAt,omitempty"`
	LastOutcome     string     `json:"lastOutcome,omitempty"`
	Cycles          int64      `json:"cycles"`
	LockContentions int64      `json:"lockContentions"`
	FundsSettling   int64      `json:"fundsSettling"`
	SkippedDisputed int64      `json:"skippedDisputed"`
	Failures        int64      `json:"failures"`
	FlaggedAttention int64     `json:"flaggedAttention"`
}

// Worker is the settlement loop.
type Worker struct {
	bookings booking.Store
	events   ledger.Store
	gate     DisputeGate
	locks    joblock.Store
	provider provider.Provider
	policy   config.Policy

	interval    time.Duration
	batch       int
	lockTTL     time.Duration
	maxAttempts int
	instance    string

	logger  *slog.Logger
	stop    chan struct{}
	running atomic.Bool
	nowFn   func() time.Time

	mu    sync.Mutex
	stats Stats
}

// NewWorker creates a settlement worker.
func NewWorker(
	bookings booking.Store,
	events ledger.Store,
	gate DisputeGate,
	locks joblock.Store,
	prov provider.Provider,
	cfg *config.Config,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		bookings:    bookings,
		events:      events,
		gate:        gate,
		locks:       locks,
		provider:    prov,
		policy:      cfg.Policy,
		interval:    cfg.WorkerInterval,
		batch:       cfg.WorkerBatch,
		lockTTL:     cfg.LockTTL,
		maxAttempts: cfg.MaxAttempts,
		instance:    "worker-" + idgen.Hex(4),
		logger:      logger,
		stop:        make(chan struct{}),
		nowFn:       time.Now,
	}
}

// WithClock overrides the worker clock for tests.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.nowFn = now
	return w
}

// Running reports whether the loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start begins the settlement loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("settlement worker started",
		"instance", w.instance, "interval", w.interval, "batch", w.batch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeRunCycle(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

// Snapshot returns current worker counters.
func (w *Worker) Snapshot() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.Running = w.running.Load()
	return s
}

func (w *Worker) safeRunCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in settlement cycle", "panic", fmt.Sprint(r))
			w.recordCycle("panic")
		}
	}()
	if err := w.RunCycle(ctx); err != nil {
		w.logger.Warn("settlement cycle failed", "error", err)
	}
}

// RunCycle executes one settlement pass. Exposed for tests and for the
// operator's run-now endpoint.
func (w *Worker) RunCycle(ctx context.Context) error {
	ctx, span := traces.StartSpan(ctx, "settlement.cycle")
	defer span.End()

	now := w.nowFn().UTC()
	candidates, err := w.bookings.ListSettlementCandidates(ctx, now, w.batch)
	if err != nil {
		w.recordCycle("error")
		metrics.SettlementRunsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("list candidates: %w", err)
	}
	if len(candidates) == 0 {
		w.recordCycle("idle")
		metrics.SettlementRunsTotal.WithLabelValues("completed").Inc()
		return nil
	}

	ids := make([]string, len(candidates))
	for i, b := range candidates {
		ids[i] = b.ID
	}

	lease := joblock.New(jobName, w.instance, ids, w.lockTTL, now)
	if err := w.locks.Acquire(ctx, lease); err != nil {
		if err == joblock.ErrLockHeld {
			// Another worker owns the batch. Not an error.
			w.recordCycle("lock_contended")
			w.mu.Lock()
			w.stats.LockContentions++
			w.mu.Unlock()
			metrics.SettlementRunsTotal.WithLabelValues("lock_contended").Inc()
			return nil
		}
		w.recordCycle("error")
		metrics.SettlementRunsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		if err := w.locks.Release(ctx, lease.ID); err != nil {
			w.logger.Warn("lock release failed", "lock_id", lease.ID, "error", err)
		}
	}()

	metrics.ActiveJobLocks.Inc()
	defer metrics.ActiveJobLocks.Dec()

	w.logger.Info("settlement cycle",
		"instance", w.instance, "candidates", len(candidates), "lock_id", lease.ID)

	for _, b := range candidates {
		if err := w.settleBooking(ctx, b); err != nil {
			w.logger.Warn("booking settlement failed",
				"booking_id", b.ID, "error", err)
		}

		// Keep the lease alive while working through a long batch.
		if err := w.locks.Renew(ctx, lease.ID, w.nowFn().UTC().Add(w.lockTTL)); err != nil {
			w.logger.Error("lost settlement lease mid-cycle",
				"lock_id", lease.ID, "error", err)
			w.recordCycle("lease_lost")
			metrics.SettlementRunsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("renew lock: %w", err)
		}
	}

	w.recordCycle("completed")
	metrics.SettlementRunsTotal.WithLabelValues("completed").Inc()

	if n, err := w.bookings.CountAttention(ctx); err == nil {
		metrics.AttentionBookings.Set(float64(n))
	}
	return nil
}

func (w *Worker) recordCycle(outcome string) {
	now := w.nowFn().UTC()
	w.mu.Lock()
	w.stats.Cycles++
	w.stats.LastRunAt = &now
	w.stats.LastOutcome = outcome
	w.mu.Unlock()
}
