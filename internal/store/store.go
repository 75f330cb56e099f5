// Package store persists reports, usage ledgers, and guard admissions.
// Two implementations exist: PostgresStore for production and SQLiteStore
// for single-node or test deployments, selected by store.driver.
package store

import (
	"context"
	"time"

	"github.com/sparlo/report-engine/internal/model"
)

// ReportFilter narrows ListReports.
type ReportFilter struct {
	AccountID string
	Status    model.ReportStatus
	Limit     int
	Offset    int
}

// GuardLimits carries the windowed rate and concurrency ceilings the guard
// enforces per account.
type GuardLimits struct {
	Hourly        int
	Daily         int
	MaxConcurrent int

	// AdmissionTTL bounds how long a crashed run can hold a concurrency
	// slot before expiry reclaims it.
	AdmissionTTL time.Duration
}

// Store is the persistence boundary. Every mutation is atomic: concurrent
// callers observe either the old state or the new state, never a partial
// write.
type Store interface {
	// CreateReport inserts a new report row in the given initial status.
	CreateReport(ctx context.Context, id, accountID string, mode model.Mode, input string, status model.ReportStatus) (*model.Report, error)

	// GetReport loads a report, migrating legacy rows forward to the
	// current schema version. Returns model.ErrReportNotFound for unknown
	// ids.
	GetReport(ctx context.Context, id string) (*model.Report, error)

	// ListReports returns reports matching the filter, newest first.
	ListReports(ctx context.Context, f ReportFilter) ([]*model.Report, error)

	// Checkpoint records a completed step: the step row, current_step,
	// phase_progress, and the recomputed cumulative token usage land in one
	// transaction. Re-checkpointing the same step overwrites the previous
	// row without double-counting usage.
	Checkpoint(ctx context.Context, reportID string, result model.StepResult, progress int) error

	// CompleteReport writes the terminal report payload and finalizes the
	// run's reservation in a single transaction. Idempotent on the
	// reservation key: a retry after a crash settles once.
	CompleteReport(ctx context.Context, reportID string, data *model.ReportData, usage model.TokenUsage, reservationKey string, actualTokens int) error

	// FailReport moves a report to error status with a kind and message.
	// Terminal states are never overwritten.
	FailReport(ctx context.Context, reportID string, kind model.ErrorKind, message string) error

	// SetClarification stores the pending question on a clarifying report.
	SetClarification(ctx context.Context, reportID, question string) error

	// AnswerClarification records the answer and moves the report to
	// processing. Returns model.ErrWrongStatus unless the report is
	// clarifying.
	AnswerClarification(ctx context.Context, reportID, answer string) error

	// TimeoutClarification expires an unanswered clarification, keeping
	// the partial usage already spent on the report row.
	TimeoutClarification(ctx context.Context, reportID string, partial model.TokenUsage) error

	// GetOrCreatePeriod returns the account's usage period covering now,
	// creating it at the calendar-month boundary if absent. Safe under
	// concurrent first calls.
	GetOrCreatePeriod(ctx context.Context, accountID string, now time.Time, tierLimit int) (*model.UsagePeriod, error)

	// Reserve atomically checks remaining quota and reserves tokens under
	// an idempotency key. A repeated key returns the prior reservation
	// without reserving again. Over-quota requests return
	// *model.QuotaExceededError with nothing written.
	Reserve(ctx context.Context, accountID string, tokens int, key string, now time.Time, tierLimit int) (*model.Reservation, error)

	// FinalizeReservation converts a reservation into actual usage,
	// releasing the unspent remainder. Idempotent: a settled key is a
	// no-op. Unknown keys return model.ErrReservationNotFound.
	FinalizeReservation(ctx context.Context, key string, actualTokens int) error

	// ReleaseReservation returns a reservation's tokens without recording
	// usage. Idempotent like FinalizeReservation.
	ReleaseReservation(ctx context.Context, key string) error

	// Admit checks the hourly and daily windows and the concurrency limit,
	// then records an admission, all atomically. Denials return
	// *model.RateLimitedError.
	Admit(ctx context.Context, accountID string, limits GuardLimits, now time.Time) (*model.Admission, error)

	// ReleaseAdmission frees a concurrency slot. Idempotent; releasing an
	// unknown or already-released admission is a no-op.
	ReleaseAdmission(ctx context.Context, admissionID string) error

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error

	Ping(ctx context.Context) error
	Close()
}

// PeriodWindow returns the calendar-month UTC billing window containing t.
func PeriodWindow(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0)
	return start, end
}
