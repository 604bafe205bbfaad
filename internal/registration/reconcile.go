package registration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/models"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/queue"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/store"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/telemetry"
)

// Reconciler periodically scans for INITIALISED records whose enqueue
// never landed, and gives each one a fresh registration job. The insert
// and the enqueue are not atomic; this sweep closes that gap.
type Reconciler struct {
	store       store.Store
	queue       queue.Queue
	logger      *slog.Logger
	interval    time.Duration
	minAge      time.Duration
	maxAttempts int
}

// NewReconciler wires a sweep. minAge keeps freshly inserted records out
// of the scan while their producer is still between insert and enqueue.
func NewReconciler(st store.Store, q queue.Queue, logger *slog.Logger, interval, minAge time.Duration, maxAttempts int) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if minAge <= 0 {
		minAge = time.Minute
	}
	return &Reconciler{
		store:       st,
		queue:       q,
		logger:      logger,
		interval:    interval,
		minAge:      minAge,
		maxAttempts: maxAttempts,
	}
}

// Run sweeps on a ticker until context cancellation.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if n, err := r.SweepOnce(ctx); err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("reconciliation sweep", slog.Any("error", err))
			}
		} else if n > 0 {
			r.logger.Info("reconciliation sweep re-enqueued records", slog.Int("count", n))
		}
	}
}

// SweepOnce runs a single scan and returns how many records were
// re-enqueued.
func (r *Reconciler) SweepOnce(ctx context.Context) (int, error) {
	orphans, err := r.store.OrphanedAccounts(ctx, time.Now().Add(-r.minAge))
	if err != nil {
		return 0, fmt.Errorf("list orphaned records: %w", err)
	}

	reenqueued := 0
	for _, rec := range orphans {
		job, err := r.store.CreateJob(ctx, store.NewJobParams{
			Name:        JobRegisterAccount,
			RecordID:    rec.ID,
			MaxAttempts: r.maxAttempts,
			RunAt:       time.Now().UTC(),
		})
		if err != nil {
			return reenqueued, fmt.Errorf("create job for orphan %s: %w", rec.ID, err)
		}
		if err := r.queue.Enqueue(ctx, job.ID, job.NextRunAt); err != nil {
			// Leave the job row failed so the next sweep sees the record
			// as still orphaned.
			msg := err.Error()
			_ = r.store.UpdateJobState(ctx, job.ID, models.JobFailed, job.Attempts, job.NextRunAt, &msg)
			return reenqueued, fmt.Errorf("enqueue job for orphan %s: %w", rec.ID, err)
		}
		_ = r.store.AppendAudit(ctx, job.ID, "reconciled", fmt.Sprintf("orphaned record %s re-enqueued", rec.ID))
		telemetry.JobsReconciled.Inc()
		r.logger.Warn("re-enqueued orphaned record",
			slog.String("record_id", rec.ID),
			slog.String("job_id", job.ID),
		)
		reenqueued++
	}
	return reenqueued, nil
}
