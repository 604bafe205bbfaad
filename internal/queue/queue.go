// Package queue provides durable, at-least-once delivery of job ids to
// consumers. A dequeued job is leased: if the consumer dies before
// acking, the lease expires and the job returns to the ready queue.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the backing store could not be reached. The
// caller decides whether to surface or compensate.
var ErrUnavailable = errors.New("queue: unavailable")

// Queue is the backing transport for job ids. Ordering across jobs is not
// guaranteed; mutual exclusion per leased job is.
type Queue interface {
	// Enqueue makes the job deliverable at runAt. Jobs due now go
	// straight to the ready queue, future jobs to the scheduled set.
	Enqueue(ctx context.Context, jobID string, runAt time.Time) error
	// Dequeue pops a ready job and leases it for the visibility window.
	// Returns "" when no job is ready.
	Dequeue(ctx context.Context) (string, error)
	// ExtendLease pushes the visibility deadline forward for a leased job.
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	// Ack releases a leased job for good.
	Ack(ctx context.Context, jobID string) error
	// Retry places an acked job back into the scheduled set for a later
	// delivery attempt.
	Retry(ctx context.Context, jobID string, runAt time.Time) error
	// PromoteScheduled moves due scheduled jobs to the ready queue.
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	// ReclaimExpired returns jobs whose lease lapsed to the ready queue
	// and reports which ids were reclaimed.
	ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	// DeadLetter parks a job for manual intervention.
	DeadLetter(ctx context.Context, jobID string) error
	// DeadLetters reads up to count dead-lettered job ids.
	DeadLetters(ctx context.Context, count int64) ([]string, error)
	// RemoveDeadLetter drops a job id from the dead-letter queue.
	RemoveDeadLetter(ctx context.Context, jobID string) error
	// Depth reports the ready queue length.
	Depth(ctx context.Context) (int64, error)
	Close() error
}
