// Package provider defines the external payment-rail integration consumed
// by the registration consumer. The adapter, not the consumer, decides
// whether a failure is transient or permanent.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// VerificationStatus is the provider's verdict on an account.
type VerificationStatus string

const (
	StatusPending  VerificationStatus = "pending"
	StatusVerified VerificationStatus = "verified"
	StatusRejected VerificationStatus = "rejected"
)

// AccountDetails is the payload sent to the provider when creating an
// account.
type AccountDetails struct {
	WorkerID    string            `json:"worker_id"`
	AccountType string            `json:"account_type"`
	Name        string            `json:"name"`
	Fields      map[string]string `json:"fields"`
}

// Result is the provider's answer to a create or poll call.
type Result struct {
	Status      VerificationStatus `json:"status"`
	ProviderRef string             `json:"provider_ref"`
	Reason      string             `json:"reason,omitempty"`
}

// Adapter is the narrow contract with the external payment rail.
type Adapter interface {
	CreateAccount(ctx context.Context, details AccountDetails) (Result, error)
	PollVerification(ctx context.Context, providerRef string) (Result, error)
}

// TransientError marks a failure worth retrying: timeouts, connection
// resets, provider 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient provider error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure no retry can fix: bad credentials,
// unsupported account type, malformed details.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent provider error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as unretryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is an unretryable provider failure.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
