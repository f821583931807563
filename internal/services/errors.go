package services

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyCompensated  = errors.New("already compensated")
	ErrContention          = errors.New("ledger contention")
	ErrServiceUnavailable  = errors.New("service unavailable")
	ErrInProgress          = errors.New("generation already in progress")
	ErrJobExists           = errors.New("job already exists")
	ErrStaleTransition     = errors.New("job status changed concurrently")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
	ErrToolNotFound        = errors.New("tool not found")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrArtifactWriteFailed = errors.New("artifact write failed")
	ErrCompensationFailed  = errors.New("compensation failed")
)

// ProviderErrorKind classifies provider failures.
type ProviderErrorKind string

const (
	ProviderInvalid     ProviderErrorKind = "invalid"
	ProviderUnavailable ProviderErrorKind = "unavailable"
	ProviderTimeout     ProviderErrorKind = "timeout"
	ProviderRateLimited ProviderErrorKind = "rate_limited"
)

// ProviderError is a classified failure of the external generation call.
type ProviderError struct {
	Kind       ProviderErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the adapter may try the call again.
func (e *ProviderError) Retryable() bool {
	return e.Kind != ProviderInvalid
}

func newProviderError(kind ProviderErrorKind, status int, err error) *ProviderError {
	return &ProviderError{Kind: kind, StatusCode: status, Err: err}
}

// IsRetryable reports whether err is transient at the layer that produced it.
func IsRetryable(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	return errors.Is(err, ErrContention) || errors.Is(err, ErrServiceUnavailable)
}
