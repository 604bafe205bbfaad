package store

import (
	"context"
	"errors"
	"time"

	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/models"
)

var (
	// ErrNotFound is returned when an update or read targets a missing row.
	ErrNotFound = errors.New("store: not found")
	// ErrConstraint is returned when an insert is missing required fields
	// or violates a table constraint.
	ErrConstraint = errors.New("store: constraint violation")
)

// NewAccountParams collects the fields required to insert an account record.
type NewAccountParams struct {
	WorkerID    string
	AccountType string
	Hash        string
	Meta        models.AccountMeta
}

// AccountUpdate is a partial update; nil fields are left untouched.
type AccountUpdate struct {
	Status *models.AccountStatus
	Meta   *models.AccountMeta
	Active *bool
}

// NewJobParams collects the fields required to insert a job row.
type NewJobParams struct {
	Name        string
	RecordID    string
	MaxAttempts int
	RunAt       time.Time
}

// Store is the durable home of account records and job rows. Writes to a
// single row are atomic with respect to concurrent readers; no
// cross-record transactions are offered.
type Store interface {
	InsertAccount(ctx context.Context, p NewAccountParams) (models.AccountRecord, error)
	GetAccount(ctx context.Context, id string) (models.AccountRecord, error)
	UpdateAccount(ctx context.Context, id string, u AccountUpdate) (models.AccountRecord, error)
	// ActivateAccount marks the record active iff its worker has no other
	// active record. Returns whether the record was activated.
	ActivateAccount(ctx context.Context, id string) (bool, error)
	// FindAccountByHash returns the most recent record for the worker with
	// the given details fingerprint, excluding failed attempts.
	FindAccountByHash(ctx context.Context, workerID, hash string) (models.AccountRecord, bool, error)
	// LatestAccount returns the worker's most recently created record.
	LatestAccount(ctx context.Context, workerID string) (models.AccountRecord, error)
	// OrphanedAccounts lists INITIALISED records created before the cutoff
	// that have no job in a waiting, active, or completed state.
	OrphanedAccounts(ctx context.Context, before time.Time) ([]models.AccountRecord, error)

	CreateJob(ctx context.Context, p NewJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJobState(ctx context.Context, id string, state models.JobState, attempts int, nextRun time.Time, lastError *string) error
	MarkJobCompleted(ctx context.Context, id string) error
	MarkJobDead(ctx context.Context, id string, lastError string) error
	JobsForRecord(ctx context.Context, recordID string) ([]models.Job, error)

	AppendAudit(ctx context.Context, jobID, event, detail string) error
	Close()
}
