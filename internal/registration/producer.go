// Package registration implements the payment-account registration
// workflow: the producer that pairs a durable record with a queued job,
// the consumer handlers that drive the record through the provider state
// machine, and the sweep that re-enqueues orphaned records.
package registration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/models"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/queue"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/store"
)

// Job names routed to consumer handlers.
const (
	JobRegisterAccount = "register_account"
	JobVerifyAccount   = "verify_account"
)

// Producer is the enqueue path: it creates the durable record, then
// enqueues a job referencing it. A record always exists before its job.
type Producer struct {
	store       store.Store
	queue       queue.Queue
	logger      *slog.Logger
	maxAttempts int
}

// NewProducer wires a producer.
func NewProducer(st store.Store, q queue.Queue, logger *slog.Logger, maxAttempts int) *Producer {
	return &Producer{store: st, queue: q, logger: logger, maxAttempts: maxAttempts}
}

// SubmitParams is one registration submission from the request layer.
type SubmitParams struct {
	WorkerID       string
	AccountType    string
	Name           string
	AccountDetails map[string]string
}

// SubmitResult pairs the created record with its processing job.
// Duplicate is set when identical details were already submitted and the
// existing record is returned instead of a new one.
type SubmitResult struct {
	Job       models.Job
	Record    models.AccountRecord
	Duplicate bool
}

// SubmitRegistration inserts the record in INITIALISED, then enqueues a
// registration job carrying only the record id. If the enqueue fails the
// record stays behind with no live job; the reconciliation sweep picks it
// up rather than retrying inline.
func (p *Producer) SubmitRegistration(ctx context.Context, params SubmitParams) (SubmitResult, error) {
	hash := DetailsHash(params.AccountType, params.AccountDetails)

	if existing, found, err := p.store.FindAccountByHash(ctx, params.WorkerID, hash); err != nil {
		return SubmitResult{}, fmt.Errorf("check duplicate details: %w", err)
	} else if found {
		p.logger.Info("duplicate registration details",
			slog.String("worker_id", params.WorkerID),
			slog.String("record_id", existing.ID),
		)
		result := SubmitResult{Record: existing, Duplicate: true}
		jobs, err := p.store.JobsForRecord(ctx, existing.ID)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("load jobs for record %s: %w", existing.ID, err)
		}
		if len(jobs) > 0 {
			result.Job = jobs[len(jobs)-1]
		}
		return result, nil
	}

	record, err := p.store.InsertAccount(ctx, store.NewAccountParams{
		WorkerID:    params.WorkerID,
		AccountType: params.AccountType,
		Hash:        hash,
		Meta: models.AccountMeta{
			Name:           params.Name,
			AccountDetails: params.AccountDetails,
		},
	})
	if err != nil {
		return SubmitResult{}, err
	}

	job, err := p.store.CreateJob(ctx, store.NewJobParams{
		Name:        JobRegisterAccount,
		RecordID:    record.ID,
		MaxAttempts: p.maxAttempts,
		RunAt:       time.Now().UTC(),
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("create job for record %s: %w", record.ID, err)
	}

	if err := p.queue.Enqueue(ctx, job.ID, job.NextRunAt); err != nil {
		// Record is orphaned until the reconciliation sweep finds it.
		msg := err.Error()
		_ = p.store.UpdateJobState(ctx, job.ID, models.JobFailed, job.Attempts, job.NextRunAt, &msg)
		p.logger.Error("enqueue registration job",
			slog.String("record_id", record.ID),
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return SubmitResult{}, fmt.Errorf("enqueue job for record %s: %w", record.ID, err)
	}

	_ = p.store.AppendAudit(ctx, job.ID, "enqueued", fmt.Sprintf("worker=%s account_type=%s", params.WorkerID, params.AccountType))
	p.logger.Info("registration submitted",
		slog.String("worker_id", params.WorkerID),
		slog.String("record_id", record.ID),
		slog.String("job_id", job.ID),
	)

	return SubmitResult{Job: job, Record: record}, nil
}
