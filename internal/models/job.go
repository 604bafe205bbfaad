package models

import (
	"time"
)

// JobState enumerates queue lifecycle states persisted in Postgres.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobDead      JobState = "dead"
)

// Job is a unit of asynchronous work referencing exactly one account
// record. The payload is the record id only; the handler re-reads the
// record at processing time so it never acts on a stale copy.
type Job struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RecordID    string    `json:"record_id"`
	State       JobState  `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NextRunAt   time.Time `json:"next_run_at"`
	LastError   *string   `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
