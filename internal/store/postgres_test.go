package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparlo/report-engine/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPeriodWindow_CalendarMonth(t *testing.T) {
	now := time.Date(2026, time.August, 30, 17, 4, 12, 0, time.UTC)
	start, end := PeriodWindow(now)
	assert.Equal(t, time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC), end)

	// Non-UTC inputs land in the same UTC window.
	loc := time.FixedZone("plus9", 9*3600)
	start2, _ := PeriodWindow(now.In(loc))
	assert.Equal(t, start, start2)
}

func TestPostgresStore_GetReport_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, account_id, mode, version, status`).
		WithArgs("nonexistent-report").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetReport(context.Background(), "nonexistent-report")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrReportNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Reserve_QuotaExceeded(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT key, account_id, period_start, tokens, state`).
		WithArgs("run-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs("acct-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`INSERT INTO usage_periods`).
		WithArgs("acct-1", pgxmock.AnyArg(), pgxmock.AnyArg(), 100000).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(`UPDATE usage_periods SET tokens_reserved`).
		WithArgs("acct-1", pgxmock.AnyArg(), 50000).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT GREATEST`).
		WithArgs("acct-1", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"available"}).AddRow(12000))

	_, err := s.Reserve(context.Background(), "acct-1", 50000, "run-1", now, 100000)
	require.Error(t, err)

	var qe *model.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 50000, qe.Requested)
	assert.Equal(t, 12000, qe.Available)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Reserve_IdempotentKey(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC)
	start, _ := PeriodWindow(now)

	// A repeated key short-circuits to the prior reservation without
	// touching the period counters.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT key, account_id, period_start, tokens, state`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"key", "account_id", "period_start", "tokens", "state", "created_at", "settled_at"}).
			AddRow("run-1", "acct-1", start, 50000, "reserved", now, nil))
	mock.ExpectCommit()

	res, err := s.Reserve(context.Background(), "acct-1", 50000, "run-1", now, 100000)
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.Key)
	assert.Equal(t, 50000, res.Tokens)
	assert.Equal(t, model.ReservationReserved, res.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Reserve_Success(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT key, account_id, period_start, tokens, state`).
		WithArgs("run-2").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs("acct-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`INSERT INTO usage_periods`).
		WithArgs("acct-1", pgxmock.AnyArg(), pgxmock.AnyArg(), 100000).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE usage_periods SET tokens_reserved`).
		WithArgs("acct-1", pgxmock.AnyArg(), 50000).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO usage_reservations`).
		WithArgs("run-2", "acct-1", pgxmock.AnyArg(), 50000, "reserved", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := s.Reserve(context.Background(), "acct-1", 50000, "run-2", now, 100000)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", res.AccountID)
	assert.Equal(t, model.ReservationReserved, res.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinalizeReservation_AlreadySettled(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	start := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	settled := start.Add(48 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT key, account_id, period_start, tokens, state`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"key", "account_id", "period_start", "tokens", "state", "created_at", "settled_at"}).
			AddRow("run-1", "acct-1", start, 50000, "finalized", start, &settled))
	mock.ExpectCommit()

	err := s.FinalizeReservation(context.Background(), "run-1", 30000)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinalizeReservation_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT key, account_id, period_start, tokens, state`).
		WithArgs("unknown").
		WillReturnError(pgx.ErrNoRows)

	err := s.FinalizeReservation(context.Background(), "unknown", 30000)
	assert.ErrorIs(t, err, model.ErrReservationNotFound)
}

func TestPostgresStore_ReleaseReservation_ReturnsTokens(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	start := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT key, account_id, period_start, tokens, state`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"key", "account_id", "period_start", "tokens", "state", "created_at", "settled_at"}).
			AddRow("run-1", "acct-1", start, 50000, "reserved", start, nil))
	mock.ExpectExec(`UPDATE usage_periods`).
		WithArgs("acct-1", start, 50000, 0, 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE usage_reservations SET state`).
		WithArgs("run-1", "released", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.ReleaseReservation(context.Background(), "run-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteReport_OneTransaction(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	start := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)

	usage := model.TokenUsage{InputTokens: 20000, OutputTokens: 9000}
	data := &model.ReportData{ProblemSummary: "summary"}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE reports SET`).
		WithArgs("rep-1", "complete", pgxmock.AnyArg(),
			20000, 9000, 0, 0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`SELECT key, account_id, period_start, tokens, state`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"key", "account_id", "period_start", "tokens", "state", "created_at", "settled_at"}).
			AddRow("run-1", "acct-1", start, 50000, "reserved", start, nil))
	mock.ExpectExec(`UPDATE usage_periods`).
		WithArgs("acct-1", start, 50000, 29000, 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE usage_reservations SET state`).
		WithArgs("run-1", "finalized", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.CompleteReport(context.Background(), "rep-1", data, usage, "run-1", 29000)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteReport_TimedOutNotOverwritten(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE reports SET`).
		WithArgs("rep-1", "complete", pgxmock.AnyArg(), 0, 0, 0, 0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("rep-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.CompleteReport(context.Background(), "rep-1", &model.ReportData{}, model.TokenUsage{}, "run-1", 0)
	assert.ErrorIs(t, err, model.ErrWrongStatus)
}

func TestPostgresStore_Checkpoint_RecomputesUsage(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	result := model.StepResult{
		StepID:        "AN1",
		Payload:       []byte(`{"prior_art":["x"]}`),
		Usage:         model.TokenUsage{InputTokens: 4000, OutputTokens: 1200},
		SchemaVersion: model.SchemaVersion,
		CompletedAt:   time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO report_steps`).
		WithArgs("rep-1", "AN1", pgxmock.AnyArg(), 4000, 1200, 0, 0,
			model.SchemaVersion, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE reports SET`).
		WithArgs("rep-1", "AN1", 30, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.Checkpoint(context.Background(), "rep-1", result, 30)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Checkpoint_ReportMissing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	result := model.StepResult{StepID: "AN1", Payload: []byte(`{}`), CompletedAt: time.Now().UTC()}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO report_steps`).
		WithArgs("rep-x", "AN1", pgxmock.AnyArg(), 0, 0, 0, 0, "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE reports SET`).
		WithArgs("rep-x", "AN1", 10, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.Checkpoint(context.Background(), "rep-x", result, 10)
	assert.ErrorIs(t, err, model.ErrReportNotFound)
}

func TestPostgresStore_AnswerClarification_WrongStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE reports SET answer`).
		WithArgs("rep-1", "the answer", "processing", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("rep-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.AnswerClarification(context.Background(), "rep-1", "the answer")
	assert.ErrorIs(t, err, model.ErrWrongStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailReport_TerminalIsNoop(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE reports SET status`).
		WithArgs("rep-1", "error", "provider_failure", "boom", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("rep-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.FailReport(context.Background(), "rep-1", model.ErrKindProviderFailure, "boom")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Admit_ConcurrencyDenied(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC)
	limits := GuardLimits{Hourly: 10, Daily: 50, MaxConcurrent: 2, AdmissionTTL: 4 * time.Hour}

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs("acct-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`UPDATE guard_admissions SET released_at`).
		WithArgs("acct-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FROM guard_admissions`).
		WithArgs("acct-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"hourly", "daily", "concurrent", "oldest_h", "oldest_d"}).
			AddRow(3, 5, 2, nil, nil))

	_, err := s.Admit(context.Background(), "acct-1", limits, now)
	require.Error(t, err)

	var rl *model.RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Contains(t, rl.Reason, "concurrent")
}

func TestPostgresStore_Admit_HourlyDeniedWithRetryAfter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC)
	oldest := now.Add(-40 * time.Minute)
	limits := GuardLimits{Hourly: 3, Daily: 50, MaxConcurrent: 5}

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs("acct-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM guard_admissions`).
		WithArgs("acct-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"hourly", "daily", "concurrent", "oldest_h", "oldest_d"}).
			AddRow(3, 10, 1, &oldest, &oldest))

	_, err := s.Admit(context.Background(), "acct-1", limits, now)
	require.Error(t, err)

	var rl *model.RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Contains(t, rl.Reason, "hourly")
	assert.Equal(t, 20*time.Minute, rl.RetryAfter)
}

func TestPostgresStore_Admit_Granted(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC)
	limits := GuardLimits{Hourly: 10, Daily: 50, MaxConcurrent: 3}

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs("acct-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM guard_admissions`).
		WithArgs("acct-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"hourly", "daily", "concurrent", "oldest_h", "oldest_d"}).
			AddRow(1, 4, 1, nil, nil))
	mock.ExpectExec(`INSERT INTO guard_admissions`).
		WithArgs(pgxmock.AnyArg(), "acct-1", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	adm, err := s.Admit(context.Background(), "acct-1", limits, now)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", adm.AccountID)
	assert.NotEmpty(t, adm.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReleaseAdmission_Idempotent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE guard_admissions SET released_at`).
		WithArgs("adm-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.ReleaseAdmission(context.Background(), "adm-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
