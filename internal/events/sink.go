// Package events observes job lifecycle outcomes for logging and
// alerting. Sinks are side-channel only: they never mutate record or job
// state, and a failing sink never affects a job's outcome.
package events

import (
	"context"
	"log/slog"

	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/models"
)

// Sink receives job lifecycle notifications.
type Sink interface {
	JobCompleted(ctx context.Context, job models.Job)
	JobFailed(ctx context.Context, job models.Job, err error)
	JobDead(ctx context.Context, job models.Job, err error)
}

// LogSink writes lifecycle events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink builds a sink on the given logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) JobCompleted(ctx context.Context, job models.Job) {
	s.logger.InfoContext(ctx, "job completed",
		slog.String("job_id", job.ID),
		slog.String("job_name", job.Name),
		slog.String("record_id", job.RecordID),
		slog.Int("attempts", job.Attempts),
	)
}

func (s *LogSink) JobFailed(ctx context.Context, job models.Job, err error) {
	s.logger.WarnContext(ctx, "job failed",
		slog.String("job_id", job.ID),
		slog.String("job_name", job.Name),
		slog.String("record_id", job.RecordID),
		slog.Int("attempts", job.Attempts),
		slog.Any("error", err),
	)
}

func (s *LogSink) JobDead(ctx context.Context, job models.Job, err error) {
	s.logger.ErrorContext(ctx, "job dead-lettered",
		slog.String("job_id", job.ID),
		slog.String("job_name", job.Name),
		slog.String("record_id", job.RecordID),
		slog.Int("attempts", job.Attempts),
		slog.Any("error", err),
	)
}

// NopSink discards all notifications.
type NopSink struct{}

func (NopSink) JobCompleted(context.Context, models.Job)     {}
func (NopSink) JobFailed(context.Context, models.Job, error) {}
func (NopSink) JobDead(context.Context, models.Job, error)   {}
