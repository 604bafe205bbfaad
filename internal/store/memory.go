package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/models"
)

// Memory is an in-process Store used by tests and local development. It
// mirrors the Postgres implementation's semantics, including the
// single-active-record-per-worker invariant.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]models.AccountRecord
	jobs     map[string]models.Job
	audits   []models.AuditLog
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]models.AccountRecord),
		jobs:     make(map[string]models.Job),
	}
}

func (s *Memory) Close() {}

func (s *Memory) InsertAccount(_ context.Context, p NewAccountParams) (models.AccountRecord, error) {
	if err := validateNewAccount(p); err != nil {
		return models.AccountRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rec := models.AccountRecord{
		ID:          uuid.New().String(),
		WorkerID:    p.WorkerID,
		AccountType: p.AccountType,
		Status:      models.AccountInitialised,
		Active:      false,
		Hash:        p.Hash,
		Meta:        p.Meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.accounts[rec.ID] = rec
	return rec, nil
}

func (s *Memory) GetAccount(_ context.Context, id string) (models.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.accounts[id]
	if !ok {
		return models.AccountRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *Memory) UpdateAccount(_ context.Context, id string, u AccountUpdate) (models.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.accounts[id]
	if !ok {
		return models.AccountRecord{}, ErrNotFound
	}
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.Active != nil {
		rec.Active = *u.Active
	}
	if u.Meta != nil {
		rec.Meta = *u.Meta
	}
	rec.UpdatedAt = time.Now().UTC()
	s.accounts[id] = rec
	return rec, nil
}

func (s *Memory) ActivateAccount(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.accounts[id]
	if !ok {
		return false, ErrNotFound
	}
	for _, other := range s.accounts {
		if other.WorkerID == rec.WorkerID && other.Active && other.ID != id {
			return false, nil
		}
	}
	rec.Active = true
	rec.UpdatedAt = time.Now().UTC()
	s.accounts[id] = rec
	return true, nil
}

func (s *Memory) FindAccountByHash(_ context.Context, workerID, hash string) (models.AccountRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best models.AccountRecord
	found := false
	for _, rec := range s.accounts {
		if rec.WorkerID != workerID || rec.Hash != hash {
			continue
		}
		if rec.Status == models.AccountFailed || rec.Status == models.AccountCannotUpdate {
			continue
		}
		if !found || rec.CreatedAt.After(best.CreatedAt) {
			best = rec
			found = true
		}
	}
	return best, found, nil
}

func (s *Memory) LatestAccount(_ context.Context, workerID string) (models.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best models.AccountRecord
	found := false
	for _, rec := range s.accounts {
		if rec.WorkerID != workerID {
			continue
		}
		if !found || rec.CreatedAt.After(best.CreatedAt) {
			best = rec
			found = true
		}
	}
	if !found {
		return models.AccountRecord{}, ErrNotFound
	}
	return best, nil
}

func (s *Memory) OrphanedAccounts(_ context.Context, before time.Time) ([]models.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.AccountRecord
	for _, rec := range s.accounts {
		if rec.Status != models.AccountInitialised || !rec.CreatedAt.Before(before) {
			continue
		}
		orphan := true
		for _, job := range s.jobs {
			if job.RecordID != rec.ID {
				continue
			}
			switch job.State {
			case models.JobWaiting, models.JobActive, models.JobCompleted:
				orphan = false
			}
		}
		if orphan {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Memory) CreateJob(_ context.Context, p NewJobParams) (models.Job, error) {
	if p.Name == "" || p.RecordID == "" {
		return models.Job{}, fmt.Errorf("%w: job name and record id are required", ErrConstraint)
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	job := models.Job{
		ID:          uuid.New().String(),
		Name:        p.Name,
		RecordID:    p.RecordID,
		State:       models.JobWaiting,
		MaxAttempts: p.MaxAttempts,
		NextRunAt:   p.RunAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[job.ID] = job
	return job, nil
}

func (s *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

func (s *Memory) UpdateJobState(_ context.Context, id string, state models.JobState, attempts int, nextRun time.Time, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.State = state
	job.Attempts = attempts
	job.NextRunAt = nextRun
	job.LastError = lastError
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return nil
}

func (s *Memory) MarkJobCompleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.State = models.JobCompleted
	job.LastError = nil
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return nil
}

func (s *Memory) MarkJobDead(_ context.Context, id string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.State = models.JobDead
	job.LastError = &lastError
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return nil
}

func (s *Memory) JobsForRecord(_ context.Context, recordID string) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Job
	for _, job := range s.jobs {
		if job.RecordID == recordID {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Memory) AppendAudit(_ context.Context, jobID, event, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audits = append(s.audits, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: time.Now().UTC()})
	return nil
}

// Audits returns a copy of the audit trail, oldest first.
func (s *Memory) Audits() []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.AuditLog, len(s.audits))
	copy(out, s.audits)
	return out
}
