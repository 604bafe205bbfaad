package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/models"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/provider"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/queue"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/store"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/telemetry"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/worker"
)

// Consumer holds the handlers that drive an account record through the
// provider state machine. Handlers are idempotent under at-least-once
// delivery: they re-read the record first and no-op on terminal states.
type Consumer struct {
	store       store.Store
	queue       queue.Queue
	provider    provider.Adapter
	logger      *slog.Logger
	pollDelay   time.Duration
	maxAttempts int
}

// NewConsumer wires a consumer. pollDelay spaces out verification polls
// scheduled after the provider answers pending.
func NewConsumer(st store.Store, q queue.Queue, adapter provider.Adapter, logger *slog.Logger, pollDelay time.Duration, maxAttempts int) *Consumer {
	if pollDelay <= 0 {
		pollDelay = time.Minute
	}
	return &Consumer{
		store:       st,
		queue:       q,
		provider:    adapter,
		logger:      logger,
		pollDelay:   pollDelay,
		maxAttempts: maxAttempts,
	}
}

// Register binds the consumer's handlers on the processor.
func (c *Consumer) Register(p *worker.Processor) {
	p.RegisterHandler(JobRegisterAccount, c.HandleRegister)
	p.RegisterHandler(JobVerifyAccount, c.HandleVerify)
}

// HandleRegister creates the account with the provider and applies the
// verdict to the record.
func (c *Consumer) HandleRegister(ctx context.Context, job models.Job) error {
	rec, err := c.loadRecord(ctx, job)
	if err != nil || rec.Status.Terminal() {
		return err
	}

	if rec.Status == models.AccountInitialised {
		if rec, err = c.setStatus(ctx, rec, models.AccountInProgress, nil); err != nil {
			return err
		}
	}

	res, err := c.provider.CreateAccount(ctx, provider.AccountDetails{
		WorkerID:    rec.WorkerID,
		AccountType: rec.AccountType,
		Name:        rec.Meta.Name,
		Fields:      rec.Meta.AccountDetails,
	})
	if err != nil {
		return c.classify(ctx, rec, err)
	}

	return c.applyVerdict(ctx, job, rec, res)
}

// HandleVerify polls the provider for the verdict on a pending account.
func (c *Consumer) HandleVerify(ctx context.Context, job models.Job) error {
	rec, err := c.loadRecord(ctx, job)
	if err != nil || rec.Status.Terminal() {
		return err
	}

	if rec.Meta.ProviderRef == "" {
		return fmt.Errorf("%w: record %s has no provider reference to poll", worker.ErrDiscard, rec.ID)
	}

	res, err := c.provider.PollVerification(ctx, rec.Meta.ProviderRef)
	if err != nil {
		return c.classify(ctx, rec, err)
	}
	if res.Status == provider.StatusPending {
		// Still pending; let the queue's backoff pace the next poll and
		// its attempt budget bound it.
		return provider.Transient(fmt.Errorf("verification still pending for record %s", rec.ID))
	}

	return c.applyVerdict(ctx, job, rec, res)
}

// applyVerdict maps a provider result onto the record.
func (c *Consumer) applyVerdict(ctx context.Context, job models.Job, rec models.AccountRecord, res provider.Result) error {
	switch res.Status {
	case provider.StatusVerified:
		// Activate before the terminal status write: a failure here leaves
		// the record non-terminal, so a redelivery redoes the whole step.
		activated, err := c.store.ActivateAccount(ctx, rec.ID)
		if err != nil {
			return c.storeError(err)
		}
		if _, err := c.setStatus(ctx, rec, models.AccountVerified, nil); err != nil {
			return err
		}
		c.logger.Info("account verified",
			slog.String("record_id", rec.ID),
			slog.String("worker_id", rec.WorkerID),
			slog.Bool("activated", activated),
		)
		return nil

	case provider.StatusRejected:
		meta := rec.Meta
		meta.FailureReason = res.Reason
		if _, err := c.setStatus(ctx, rec, models.AccountFailed, &meta); err != nil {
			return err
		}
		c.logger.Info("account rejected",
			slog.String("record_id", rec.ID),
			slog.String("reason", res.Reason),
		)
		return nil

	case provider.StatusPending:
		meta := rec.Meta
		meta.ProviderRef = res.ProviderRef
		if _, err := c.store.UpdateAccount(ctx, rec.ID, store.AccountUpdate{Meta: &meta}); err != nil {
			return c.storeError(err)
		}
		return c.scheduleVerify(ctx, job, rec)

	default:
		return fmt.Errorf("%w: provider returned unknown status %q", worker.ErrDiscard, res.Status)
	}
}

// scheduleVerify queues a delayed follow-up poll for a pending account.
func (c *Consumer) scheduleVerify(ctx context.Context, job models.Job, rec models.AccountRecord) error {
	verify, err := c.store.CreateJob(ctx, store.NewJobParams{
		Name:        JobVerifyAccount,
		RecordID:    rec.ID,
		MaxAttempts: c.maxAttempts,
		RunAt:       time.Now().Add(c.pollDelay).UTC(),
	})
	if err != nil {
		return fmt.Errorf("create verify job for record %s: %w", rec.ID, err)
	}
	if err := c.queue.Enqueue(ctx, verify.ID, verify.NextRunAt); err != nil {
		return fmt.Errorf("enqueue verify job for record %s: %w", rec.ID, err)
	}
	_ = c.store.AppendAudit(ctx, verify.ID, "enqueued", fmt.Sprintf("verification poll for record %s after %s", rec.ID, c.pollDelay))
	c.logger.Info("verification poll scheduled",
		slog.String("record_id", rec.ID),
		slog.String("job_id", verify.ID),
		slog.Duration("delay", c.pollDelay),
	)
	return nil
}

// classify turns a provider error into the right job outcome: transient
// errors propagate so the queue retries; permanent errors park the record
// in CANNOT_UPDATE and ack the job.
func (c *Consumer) classify(ctx context.Context, rec models.AccountRecord, err error) error {
	if provider.IsPermanent(err) {
		telemetry.ProviderErrors.WithLabelValues("permanent").Inc()
		meta := rec.Meta
		meta.FailureReason = err.Error()
		if _, uerr := c.setStatus(ctx, rec, models.AccountCannotUpdate, &meta); uerr != nil {
			return uerr
		}
		c.logger.Warn("record cannot be updated",
			slog.String("record_id", rec.ID),
			slog.Any("error", err),
		)
		return nil
	}
	telemetry.ProviderErrors.WithLabelValues("transient").Inc()
	return err
}

// loadRecord fetches the job's record. A missing record is fatal to the
// job: retrying cannot help, so it is discarded. A terminal record makes
// the whole handler a no-op ack.
func (c *Consumer) loadRecord(ctx context.Context, job models.Job) (models.AccountRecord, error) {
	rec, err := c.store.GetAccount(ctx, job.RecordID)
	if err != nil {
		return models.AccountRecord{}, c.storeError(err)
	}
	if rec.Status.Terminal() {
		c.logger.Debug("record already terminal",
			slog.String("record_id", rec.ID),
			slog.String("status", string(rec.Status)),
		)
	}
	return rec, nil
}

func (c *Consumer) setStatus(ctx context.Context, rec models.AccountRecord, status models.AccountStatus, meta *models.AccountMeta) (models.AccountRecord, error) {
	updated, err := c.store.UpdateAccount(ctx, rec.ID, store.AccountUpdate{Status: &status, Meta: meta})
	if err != nil {
		return models.AccountRecord{}, c.storeError(err)
	}
	return updated, nil
}

func (c *Consumer) storeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", worker.ErrDiscard, err)
	}
	return err
}
