package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// ErrorKind classifies run failures for the report row and for callers.
// The orchestrator maps these onto retryable / non-retryable behavior.
type ErrorKind string

const (
	ErrKindQuotaExceeded     ErrorKind = "quota_exceeded"
	ErrKindRateLimited       ErrorKind = "rate_limited"
	ErrKindValidationFailure ErrorKind = "validation_failure"
	ErrKindProviderFailure   ErrorKind = "provider_failure"
	ErrKindBudgetExceeded    ErrorKind = "budget_exceeded"
	ErrKindPersistence       ErrorKind = "persistence_failure"
)

// QuotaExceededError is returned when a reservation would push an account
// past its tier limit. Never retried automatically.
type QuotaExceededError struct {
	AccountID string
	Requested int
	Available int
}

func (e *QuotaExceededError) Error() string {
	return "quota exceeded for account " + e.AccountID
}

// RateLimitedError is returned when the rate/concurrency guard denies
// admission. RetryAfter hints when the caller may try again.
type RateLimitedError struct {
	AccountID  string
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return "rate limited: " + e.Reason
}

// ValidationError marks a step whose structured output failed schema
// validation. The chain aborts rather than cascading bad context.
type ValidationError struct {
	StepID string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "step " + e.StepID + ": invalid output field " + e.Field + ": " + e.Reason
}

// BudgetExceededError marks a step whose estimated input size exceeded its
// pre-call token ceiling. No tokens were spent.
type BudgetExceededError struct {
	StepID    string
	Estimated int
	Ceiling   int
}

func (e *BudgetExceededError) Error() string {
	return "step " + e.StepID + ": estimated input exceeds token ceiling"
}

// ErrUnauthorized is returned when the acting identity has no access to
// the target account.
var ErrUnauthorized = eris.New("not authorized for account")

// ErrReportNotFound is returned for reads of unknown report ids.
var ErrReportNotFound = eris.New("report not found")

// ErrWrongStatus is returned when an operation requires a report state the
// report is no longer in (e.g. answering an already-advanced clarification).
var ErrWrongStatus = eris.New("report is not in the required status")

// ErrReservationNotFound is returned when settling an unknown reservation.
var ErrReservationNotFound = eris.New("reservation not found")
