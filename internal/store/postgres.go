package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/models"
)

// Postgres implements Store on top of pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const accountColumns = `id, worker_id, account_type, status, active, hash, meta, created_at, updated_at`

// InsertAccount inserts a record in the given state. Missing required
// fields are rejected with ErrConstraint before touching the database.
func (s *Postgres) InsertAccount(ctx context.Context, p NewAccountParams) (models.AccountRecord, error) {
	if err := validateNewAccount(p); err != nil {
		return models.AccountRecord{}, err
	}

	metaJSON, err := json.Marshal(p.Meta)
	if err != nil {
		return models.AccountRecord{}, fmt.Errorf("marshal meta: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO payment_accounts (id, worker_id, account_type, status, active, hash, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, FALSE, $5, $6, $7, $7)
	`, id, p.WorkerID, p.AccountType, models.AccountInitialised, p.Hash, metaJSON, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code[:2] == "23" {
			return models.AccountRecord{}, fmt.Errorf("%w: %s", ErrConstraint, pgErr.Message)
		}
		return models.AccountRecord{}, fmt.Errorf("insert account: %w", err)
	}

	return models.AccountRecord{
		ID:          id,
		WorkerID:    p.WorkerID,
		AccountType: p.AccountType,
		Status:      models.AccountInitialised,
		Active:      false,
		Hash:        p.Hash,
		Meta:        p.Meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetAccount fetches a record by id.
func (s *Postgres) GetAccount(ctx context.Context, id string) (models.AccountRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM payment_accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// UpdateAccount applies a partial update and returns the new row.
func (s *Postgres) UpdateAccount(ctx context.Context, id string, u AccountUpdate) (models.AccountRecord, error) {
	var metaJSON []byte
	if u.Meta != nil {
		var err error
		metaJSON, err = json.Marshal(u.Meta)
		if err != nil {
			return models.AccountRecord{}, fmt.Errorf("marshal meta: %w", err)
		}
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE payment_accounts
		SET status = COALESCE($2, status),
		    active = COALESCE($3, active),
		    meta = COALESCE($4, meta),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+accountColumns,
		id, u.Status, u.Active, metaJSON)

	rec, err := scanAccount(row)
	if err != nil {
		return models.AccountRecord{}, err
	}
	return rec, nil
}

// ActivateAccount flips active on iff the worker has no other active
// record. The partial unique index backs this up under races.
func (s *Postgres) ActivateAccount(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payment_accounts a
		SET active = TRUE, updated_at = NOW()
		WHERE a.id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM payment_accounts b
			WHERE b.worker_id = a.worker_id AND b.active AND b.id <> a.id
		  )
	`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost the race against a concurrent activation.
			return false, nil
		}
		return false, fmt.Errorf("activate account: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FindAccountByHash returns the newest non-failed record matching the
// worker and details fingerprint.
func (s *Postgres) FindAccountByHash(ctx context.Context, workerID, hash string) (models.AccountRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM payment_accounts
		WHERE worker_id = $1 AND hash = $2 AND status NOT IN ($3, $4)
		ORDER BY created_at DESC LIMIT 1
	`, workerID, hash, models.AccountFailed, models.AccountCannotUpdate)

	rec, err := scanAccount(row)
	if errors.Is(err, ErrNotFound) {
		return models.AccountRecord{}, false, nil
	}
	if err != nil {
		return models.AccountRecord{}, false, err
	}
	return rec, true, nil
}

// LatestAccount returns the worker's most recently created record.
func (s *Postgres) LatestAccount(ctx context.Context, workerID string) (models.AccountRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM payment_accounts
		WHERE worker_id = $1 ORDER BY created_at DESC LIMIT 1
	`, workerID)
	return scanAccount(row)
}

// OrphanedAccounts lists INITIALISED records older than the cutoff with
// no job able to carry them forward.
func (s *Postgres) OrphanedAccounts(ctx context.Context, before time.Time) ([]models.AccountRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+accountColumns+` FROM payment_accounts a
		WHERE a.status = $1 AND a.created_at < $2
		  AND NOT EXISTS (
			SELECT 1 FROM jobs j
			WHERE j.record_id = a.id AND j.state IN ($3, $4, $5)
		  )
		ORDER BY a.created_at
	`, models.AccountInitialised, before, models.JobWaiting, models.JobActive, models.JobCompleted)
	if err != nil {
		return nil, fmt.Errorf("query orphans: %w", err)
	}
	defer rows.Close()

	var out []models.AccountRecord
	for rows.Next() {
		rec, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateJob inserts a job row in the waiting state.
func (s *Postgres) CreateJob(ctx context.Context, p NewJobParams) (models.Job, error) {
	if p.Name == "" || p.RecordID == "" {
		return models.Job{}, fmt.Errorf("%w: job name and record id are required", ErrConstraint)
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, name, record_id, state, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $7)
	`, id, p.Name, p.RecordID, models.JobWaiting, p.MaxAttempts, p.RunAt, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code[:2] == "23" {
			return models.Job{}, fmt.Errorf("%w: %s", ErrConstraint, pgErr.Message)
		}
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          id,
		Name:        p.Name,
		RecordID:    p.RecordID,
		State:       models.JobWaiting,
		Attempts:    0,
		MaxAttempts: p.MaxAttempts,
		NextRunAt:   p.RunAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

const jobColumns = `id, name, record_id, state, attempts, max_attempts, next_run_at, last_error, created_at, updated_at`

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// UpdateJobState sets state, attempts, next_run_at and last_error atomically.
func (s *Postgres) UpdateJobState(ctx context.Context, id string, state models.JobState, attempts int, nextRun time.Time, lastError *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, state, attempts, nextRun, lastError)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkJobCompleted transitions a job to completed.
func (s *Postgres) MarkJobCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.JobCompleted)
	return err
}

// MarkJobDead flags a job as dead-lettered.
func (s *Postgres) MarkJobDead(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.JobDead, lastError)
	return err
}

// JobsForRecord returns a record's job lineage, oldest first.
func (s *Postgres) JobsForRecord(ctx context.Context, recordID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE record_id = $1 ORDER BY created_at
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts) VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

func validateNewAccount(p NewAccountParams) error {
	if p.WorkerID == "" {
		return fmt.Errorf("%w: worker id is required", ErrConstraint)
	}
	if p.AccountType == "" {
		return fmt.Errorf("%w: account type is required", ErrConstraint)
	}
	if p.Hash == "" {
		return fmt.Errorf("%w: details hash is required", ErrConstraint)
	}
	return nil
}

func scanAccount(row pgx.Row) (models.AccountRecord, error) {
	var rec models.AccountRecord
	var metaJSON []byte

	err := row.Scan(&rec.ID, &rec.WorkerID, &rec.AccountType, &rec.Status, &rec.Active, &rec.Hash, &metaJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AccountRecord{}, ErrNotFound
	}
	if err != nil {
		return models.AccountRecord{}, fmt.Errorf("scan account: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &rec.Meta); err != nil {
		return models.AccountRecord{}, fmt.Errorf("unmarshal meta: %w", err)
	}
	return rec, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var lastErr pgtype.Text

	err := row.Scan(&job.ID, &job.Name, &job.RecordID, &job.State, &job.Attempts, &job.MaxAttempts, &job.NextRunAt, &lastErr, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if lastErr.Valid {
		job.LastError = &lastErr.String
	}
	return job, nil
}
