package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/events"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/models"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/queue"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/store"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/telemetry"
)

// Handler executes a job. Returning nil acknowledges the job; an error
// wrapping ErrDiscard acknowledges it as failed without retry; any other
// error hands the retry decision to the processor.
type Handler func(ctx context.Context, job models.Job) error

// ErrDiscard marks a job that retrying cannot help: the record is gone or
// the job is malformed. The processor acks it as failed and moves on.
var ErrDiscard = errors.New("worker: discard job")

// Options tunes the dispatch loop.
type Options struct {
	Concurrency         int
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	MaxAttempts         int
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
	BatchSize           int64
	// LeaseInterval paces the heartbeat that extends a running job's
	// lease by LeaseExtension. Keep LeaseExtension at the queue's
	// visibility window.
	LeaseInterval  time.Duration
	LeaseExtension time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = 2 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.LeaseExtension <= 0 {
		o.LeaseExtension = 30 * time.Second
	}
	if o.LeaseInterval <= 0 {
		o.LeaseInterval = o.LeaseExtension / 3
	}
	return o
}

// Processor drives the consumer side: it leases jobs from the queue,
// dispatches them to named handlers, and owns every retry, backoff, and
// dead-letter decision. Handlers stay free of queue concerns.
type Processor struct {
	queue    queue.Queue
	store    store.Store
	sink     events.Sink
	logger   *slog.Logger
	opts     Options
	handlers map[string]Handler
}

// NewProcessor wires a processor. A nil sink disables notifications.
func NewProcessor(q queue.Queue, st store.Store, sink events.Sink, logger *slog.Logger, opts Options) *Processor {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Processor{
		queue:    q,
		store:    st,
		sink:     sink,
		logger:   logger,
		opts:     opts.withDefaults(),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a job name.
func (p *Processor) RegisterHandler(name string, handler Handler) {
	if name == "" || handler == nil {
		return
	}
	p.handlers[name] = handler
}

// Run starts the maintenance loop and the consumer pool, blocking until
// context cancellation. Each in-flight job occupies one concurrency slot;
// a handler blocking on the provider does not stall the other slots.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintenanceLoop(ctx)
	}()

	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consumeLoop(ctx)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

// maintenanceLoop promotes due scheduled jobs and reclaims expired
// leases. Reclaimed jobs go back to waiting so a redelivery finds a
// consistent row.
func (p *Processor) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		if _, err := p.queue.PromoteScheduled(ctx, now, p.opts.BatchSize); err != nil && ctx.Err() == nil {
			p.logger.Warn("promote scheduled jobs", slog.Any("error", err))
		}

		reclaimed, err := p.queue.ReclaimExpired(ctx, now, p.opts.BatchSize)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("reclaim expired leases", slog.Any("error", err))
		}
		for _, id := range reclaimed {
			job, err := p.store.GetJob(ctx, id)
			if err != nil {
				continue
			}
			if job.State == models.JobActive {
				_ = p.store.UpdateJobState(ctx, id, models.JobWaiting, job.Attempts, job.NextRunAt, job.LastError)
			}
			p.logger.Warn("reclaimed abandoned job", slog.String("job_id", id), slog.Int("attempts", job.Attempts))
		}

		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func (p *Processor) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("dequeue", slog.Any("error", err))
			}
			p.sleep(ctx, p.opts.PollInterval)
			continue
		}
		if jobID == "" {
			p.sleep(ctx, p.opts.PollInterval)
			continue
		}

		p.ProcessOne(ctx, jobID)
	}
}

// ProcessOne runs a single leased job through its handler and settles the
// outcome. Exported so tests can drive the loop deterministically.
func (p *Processor) ProcessOne(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		// No row to retry against; drop the queue entry.
		p.logger.Error("load job", slog.String("job_id", jobID), slog.Any("error", err))
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if job.State == models.JobCompleted || job.State == models.JobDead {
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	attempt := job.Attempts + 1
	_ = p.store.UpdateJobState(ctx, job.ID, models.JobActive, attempt, job.NextRunAt, job.LastError)
	job.Attempts = attempt
	job.State = models.JobActive

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	// Keep the lease alive while the handler runs so a slow provider
	// call does not get the job reclaimed and redelivered mid-flight.
	stopHeartbeat := make(chan struct{})
	go p.heartbeat(ctx, job.ID, stopHeartbeat)
	err = p.runHandler(ctx, job)
	close(stopHeartbeat)
	switch {
	case err == nil:
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.store.MarkJobCompleted(ctx, job.ID)
		_ = p.store.AppendAudit(ctx, job.ID, "completed", fmt.Sprintf("attempt=%d", attempt))
		telemetry.JobsCompleted.Inc()
		job.State = models.JobCompleted
		p.notify(func() { p.sink.JobCompleted(ctx, job) })

	case errors.Is(err, ErrDiscard):
		msg := err.Error()
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.store.UpdateJobState(ctx, job.ID, models.JobFailed, attempt, job.NextRunAt, &msg)
		_ = p.store.AppendAudit(ctx, job.ID, "discarded", msg)
		telemetry.JobsDiscarded.Inc()
		job.State = models.JobFailed
		p.notify(func() { p.sink.JobFailed(ctx, job, err) })

	default:
		if attempt >= job.MaxAttempts || attempt >= p.opts.MaxAttempts {
			_ = p.store.MarkJobDead(ctx, job.ID, err.Error())
			_ = p.queue.Ack(ctx, job.ID)
			_ = p.queue.DeadLetter(ctx, job.ID)
			_ = p.store.AppendAudit(ctx, job.ID, "dead_letter", err.Error())
			telemetry.JobsDeadLettered.Inc()
			job.State = models.JobDead
			p.notify(func() { p.sink.JobDead(ctx, job, err) })
			return
		}

		msg := err.Error()
		nextRun := time.Now().Add(backoffWithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, attempt))
		_ = p.store.UpdateJobState(ctx, job.ID, models.JobWaiting, attempt, nextRun, &msg)
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.queue.Retry(ctx, job.ID, nextRun)
		_ = p.store.AppendAudit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempt=%d", nextRun.UTC().Format(time.RFC3339), attempt))
		telemetry.JobsRetried.Inc()
		job.State = models.JobWaiting
		p.notify(func() { p.sink.JobFailed(ctx, job, err) })
	}
}

func (p *Processor) runHandler(ctx context.Context, job models.Job) (err error) {
	handler, ok := p.handlers[job.Name]
	if !ok {
		return fmt.Errorf("%w: no handler registered for %q", ErrDiscard, job.Name)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, job)
}

func (p *Processor) heartbeat(ctx context.Context, jobID string, stop <-chan struct{}) {
	ticker := time.NewTicker(p.opts.LeaseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, jobID, p.opts.LeaseExtension); err != nil && ctx.Err() == nil {
				p.logger.Warn("extend lease", slog.String("job_id", jobID), slog.Any("error", err))
			}
		}
	}
}

// notify isolates sink failures from job outcomes.
func (p *Processor) notify(f func()) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("event sink panic", slog.Any("panic", rec))
		}
	}()
	f()
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
