package models

import (
	"time"
)

// AccountStatus enumerates the lifecycle of a payment-account registration.
type AccountStatus string

const (
	AccountInitialised  AccountStatus = "INITIALISED"
	AccountInProgress   AccountStatus = "IN_PROGRESS"
	AccountVerified     AccountStatus = "VERIFIED"
	AccountFailed       AccountStatus = "FAILED"
	AccountCannotUpdate AccountStatus = "CANNOT_UPDATE"
)

// Terminal reports whether the status admits no further transitions.
func (s AccountStatus) Terminal() bool {
	switch s {
	case AccountVerified, AccountFailed, AccountCannotUpdate:
		return true
	}
	return false
}

// AccountMeta holds provider-specific fields. Once a record leaves
// INITIALISED the consumer owns this blob.
type AccountMeta struct {
	Name           string            `json:"name,omitempty"`
	AccountDetails map[string]string `json:"account_details,omitempty"`
	ProviderRef    string            `json:"provider_ref,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
}

// AccountRecord is one worker's payment-account registration attempt,
// persisted in Postgres. At most one record per worker is active.
type AccountRecord struct {
	ID          string        `json:"id"`
	WorkerID    string        `json:"worker_id"`
	AccountType string        `json:"account_type"`
	Status      AccountStatus `json:"status"`
	Active      bool          `json:"active"`
	Hash        string        `json:"hash"`
	Meta        AccountMeta   `json:"meta"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
