package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sparlo/report-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Write
// transactions take the database lock up front (_txlock=immediate), which
// stands in for the row-level locking the Postgres implementation relies
// on.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn+"?_txlock=immediate")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS reports (
	id                 TEXT PRIMARY KEY,
	account_id         TEXT NOT NULL,
	mode               TEXT NOT NULL,
	version            TEXT NOT NULL,
	status             TEXT NOT NULL,
	current_step       TEXT NOT NULL DEFAULT '',
	phase_progress     INTEGER NOT NULL DEFAULT 0,
	report_data        TEXT,
	input              TEXT NOT NULL,
	question           TEXT NOT NULL DEFAULT '',
	answer             TEXT NOT NULL DEFAULT '',
	error_kind         TEXT NOT NULL DEFAULT '',
	error_message      TEXT NOT NULL DEFAULT '',
	input_tokens       INTEGER NOT NULL DEFAULT 0,
	output_tokens      INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens  INTEGER NOT NULL DEFAULT 0,
	cache_write_tokens INTEGER NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_account ON reports(account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);

CREATE TABLE IF NOT EXISTS report_steps (
	report_id          TEXT NOT NULL REFERENCES reports(id),
	step_id            TEXT NOT NULL,
	payload            TEXT NOT NULL,
	input_tokens       INTEGER NOT NULL DEFAULT 0,
	output_tokens      INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens  INTEGER NOT NULL DEFAULT 0,
	cache_write_tokens INTEGER NOT NULL DEFAULT 0,
	schema_version     TEXT NOT NULL,
	completed_at       DATETIME NOT NULL,
	PRIMARY KEY (report_id, step_id)
);

CREATE TABLE IF NOT EXISTS usage_periods (
	account_id      TEXT NOT NULL,
	period_start    DATETIME NOT NULL,
	period_end      DATETIME NOT NULL,
	tokens_used     INTEGER NOT NULL DEFAULT 0,
	tokens_reserved INTEGER NOT NULL DEFAULT 0,
	reports_count   INTEGER NOT NULL DEFAULT 0,
	tier_limit      INTEGER NOT NULL,
	PRIMARY KEY (account_id, period_start)
);

CREATE TABLE IF NOT EXISTS usage_reservations (
	key          TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL,
	period_start DATETIME NOT NULL,
	tokens       INTEGER NOT NULL,
	state        TEXT NOT NULL DEFAULT 'reserved',
	created_at   DATETIME NOT NULL,
	settled_at   DATETIME
);

CREATE INDEX IF NOT EXISTS idx_reservations_account ON usage_reservations(account_id, state);

CREATE TABLE IF NOT EXISTS guard_admissions (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	released_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_admissions_account ON guard_admissions(account_id, created_at DESC);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Report operations

const sqliteReportColumns = `id, account_id, mode, version, status, current_step, phase_progress,
	report_data, input, question, answer, error_kind, error_message,
	input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
	created_at, updated_at`

func (s *SQLiteStore) CreateReport(ctx context.Context, id, accountID string, mode model.Mode, input string, status model.ReportStatus) (*model.Report, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (id, account_id, mode, version, status, input, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		id, accountID, string(mode), model.SchemaVersion, string(status), input, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert report")
	}
	return s.GetReport(ctx, id)
}

func (s *SQLiteStore) GetReport(ctx context.Context, id string) (*model.Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteReportColumns+` FROM reports WHERE id = ?`, id)
	r, err := scanSQLiteReport(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrReportNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get report %s", id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, payload, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, schema_version, completed_at
		 FROM report_steps WHERE report_id = ?`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load steps %s", id)
	}
	defer rows.Close()

	r.StepResults = map[string]model.StepResult{}
	for rows.Next() {
		var sr model.StepResult
		var payload string
		if err := rows.Scan(&sr.StepID, &payload,
			&sr.Usage.InputTokens, &sr.Usage.OutputTokens,
			&sr.Usage.CacheReadTokens, &sr.Usage.CacheWriteTokens,
			&sr.SchemaVersion, &sr.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan step")
		}
		sr.Payload = json.RawMessage(payload)
		r.StepResults[sr.StepID] = sr
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: load steps iterate")
	}

	model.MigrateReport(r)
	return r, nil
}

func (s *SQLiteStore) ListReports(ctx context.Context, f ReportFilter) ([]*model.Report, error) {
	query := `SELECT ` + sqliteReportColumns + ` FROM reports WHERE true`
	args := []any{}

	if f.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reports")
	}
	defer rows.Close()

	var reports []*model.Report
	for rows.Next() {
		r, err := scanSQLiteReport(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan report")
		}
		model.MigrateReport(r)
		reports = append(reports, r)
	}
	return reports, eris.Wrap(rows.Err(), "sqlite: list reports iterate")
}

func (s *SQLiteStore) Checkpoint(ctx context.Context, reportID string, result model.StepResult, progress int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin checkpoint")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO report_steps
		 (report_id, step_id, payload, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, schema_version, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (report_id, step_id) DO UPDATE SET
		   payload = excluded.payload,
		   input_tokens = excluded.input_tokens,
		   output_tokens = excluded.output_tokens,
		   cache_read_tokens = excluded.cache_read_tokens,
		   cache_write_tokens = excluded.cache_write_tokens,
		   schema_version = excluded.schema_version,
		   completed_at = excluded.completed_at`,
		reportID, result.StepID, string(result.Payload),
		result.Usage.InputTokens, result.Usage.OutputTokens,
		result.Usage.CacheReadTokens, result.Usage.CacheWriteTokens,
		result.SchemaVersion, result.CompletedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert step %s", result.StepID)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE reports SET
		   current_step = ?,
		   phase_progress = MAX(phase_progress, ?),
		   input_tokens = (SELECT COALESCE(SUM(input_tokens), 0) FROM report_steps WHERE report_id = ?),
		   output_tokens = (SELECT COALESCE(SUM(output_tokens), 0) FROM report_steps WHERE report_id = ?),
		   cache_read_tokens = (SELECT COALESCE(SUM(cache_read_tokens), 0) FROM report_steps WHERE report_id = ?),
		   cache_write_tokens = (SELECT COALESCE(SUM(cache_write_tokens), 0) FROM report_steps WHERE report_id = ?),
		   updated_at = ?
		 WHERE id = ?`,
		result.StepID, progress, reportID, reportID, reportID, reportID,
		time.Now().UTC(), reportID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: checkpoint report %s", reportID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrReportNotFound
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit checkpoint")
}

func (s *SQLiteStore) CompleteReport(ctx context.Context, reportID string, data *model.ReportData, usage model.TokenUsage, reservationKey string, actualTokens int) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal report data")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin complete")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE reports SET
		   status = ?, report_data = ?, phase_progress = 100,
		   input_tokens = ?, output_tokens = ?,
		   cache_read_tokens = ?, cache_write_tokens = ?,
		   updated_at = ?
		 WHERE id = ? AND status NOT IN ('error', 'clarification_timeout')`,
		string(model.StatusComplete), string(dataJSON),
		usage.InputTokens, usage.OutputTokens,
		usage.CacheReadTokens, usage.CacheWriteTokens,
		time.Now().UTC(), reportID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete report %s", reportID)
	}
	if err := s.requireStatusChange(ctx, res, reportID); err != nil {
		return err
	}

	if err := s.settleReservationTx(ctx, tx, reservationKey, actualTokens, model.ReservationFinalized, true); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit complete")
}

func (s *SQLiteStore) FailReport(ctx context.Context, reportID string, kind model.ErrorKind, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = ?, error_kind = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN ('complete', 'error', 'clarification_timeout')`,
		string(model.StatusError), string(kind), message, time.Now().UTC(), reportID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail report %s", reportID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.requireReport(ctx, reportID)
	}
	return nil
}

func (s *SQLiteStore) SetClarification(ctx context.Context, reportID, question string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET question = ?, status = ?, updated_at = ?
		 WHERE id = ? AND status IN ('clarifying', 'processing')`,
		question, string(model.StatusClarifying), time.Now().UTC(), reportID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set clarification %s", reportID)
	}
	return s.requireStatusChange(ctx, res, reportID)
}

func (s *SQLiteStore) AnswerClarification(ctx context.Context, reportID, answer string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET answer = ?, status = ?, updated_at = ?
		 WHERE id = ? AND status = 'clarifying'`,
		answer, string(model.StatusProcessing), time.Now().UTC(), reportID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: answer clarification %s", reportID)
	}
	return s.requireStatusChange(ctx, res, reportID)
}

func (s *SQLiteStore) TimeoutClarification(ctx context.Context, reportID string, partial model.TokenUsage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = ?,
		   input_tokens = ?, output_tokens = ?,
		   cache_read_tokens = ?, cache_write_tokens = ?,
		   updated_at = ?
		 WHERE id = ? AND status = 'clarifying'`,
		string(model.StatusClarificationTimeout),
		partial.InputTokens, partial.OutputTokens,
		partial.CacheReadTokens, partial.CacheWriteTokens,
		time.Now().UTC(), reportID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: timeout clarification %s", reportID)
	}
	return s.requireStatusChange(ctx, res, reportID)
}

// Usage ledger operations

func (s *SQLiteStore) GetOrCreatePeriod(ctx context.Context, accountID string, now time.Time, tierLimit int) (*model.UsagePeriod, error) {
	start, end := PeriodWindow(now)

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_periods (account_id, period_start, period_end, tier_limit)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (account_id, period_start) DO NOTHING`,
		accountID, start, end, tierLimit,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert period")
	}

	p, err := scanSQLitePeriod(s.db.QueryRowContext(ctx,
		`SELECT account_id, period_start, period_end, tokens_used, tokens_reserved, reports_count, tier_limit
		 FROM usage_periods WHERE account_id = ? AND period_start = ?`,
		accountID, start,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get period %s", accountID)
	}
	return p, nil
}

func (s *SQLiteStore) Reserve(ctx context.Context, accountID string, tokens int, key string, now time.Time, tierLimit int) (*model.Reservation, error) {
	start, end := PeriodWindow(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin reserve")
	}
	defer tx.Rollback()

	existing, err := scanSQLiteReservation(tx.QueryRowContext(ctx,
		`SELECT key, account_id, period_start, tokens, state, created_at, settled_at
		 FROM usage_reservations WHERE key = ?`, key))
	if err == nil {
		if cErr := tx.Commit(); cErr != nil {
			return nil, eris.Wrap(cErr, "sqlite: commit reserve")
		}
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(err, "sqlite: lookup reservation")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_periods (account_id, period_start, period_end, tier_limit)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (account_id, period_start) DO NOTHING`,
		accountID, start, end, tierLimit,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert period")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE usage_periods SET tokens_reserved = tokens_reserved + ?
		 WHERE account_id = ? AND period_start = ?
		   AND tokens_used + tokens_reserved + ? <= tier_limit`,
		tokens, accountID, start, tokens,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reserve tokens")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var available int
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(tier_limit - tokens_used - tokens_reserved, 0)
			 FROM usage_periods WHERE account_id = ? AND period_start = ?`,
			accountID, start,
		).Scan(&available); err != nil {
			return nil, eris.Wrap(err, "sqlite: read available")
		}
		return nil, &model.QuotaExceededError{AccountID: accountID, Requested: tokens, Available: available}
	}

	createdAt := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_reservations (key, account_id, period_start, tokens, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key, accountID, start, tokens, string(model.ReservationReserved), createdAt,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert reservation")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit reserve")
	}
	return &model.Reservation{
		Key:         key,
		AccountID:   accountID,
		PeriodStart: start,
		Tokens:      tokens,
		State:       model.ReservationReserved,
		CreatedAt:   createdAt,
	}, nil
}

func (s *SQLiteStore) FinalizeReservation(ctx context.Context, key string, actualTokens int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin finalize")
	}
	defer tx.Rollback()

	if err := s.settleReservationTx(ctx, tx, key, actualTokens, model.ReservationFinalized, true); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit finalize")
}

func (s *SQLiteStore) ReleaseReservation(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin release")
	}
	defer tx.Rollback()

	if err := s.settleReservationTx(ctx, tx, key, 0, model.ReservationReleased, false); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit release")
}

func (s *SQLiteStore) settleReservationTx(ctx context.Context, tx *sql.Tx, key string, actualTokens int, state model.ReservationState, countReport bool) error {
	res, err := scanSQLiteReservation(tx.QueryRowContext(ctx,
		`SELECT key, account_id, period_start, tokens, state, created_at, settled_at
		 FROM usage_reservations WHERE key = ?`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrReservationNotFound
		}
		return eris.Wrap(err, "sqlite: lookup reservation")
	}
	if res.State != model.ReservationReserved {
		return nil
	}

	countDelta := 0
	if countReport {
		countDelta = 1
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE usage_periods SET
		   tokens_reserved = MAX(tokens_reserved - ?, 0),
		   tokens_used = tokens_used + ?,
		   reports_count = reports_count + ?
		 WHERE account_id = ? AND period_start = ?`,
		res.Tokens, actualTokens, countDelta, res.AccountID, res.PeriodStart,
	); err != nil {
		return eris.Wrap(err, "sqlite: settle period")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE usage_reservations SET state = ?, settled_at = ? WHERE key = ?`,
		string(state), time.Now().UTC(), key,
	); err != nil {
		return eris.Wrap(err, "sqlite: settle reservation")
	}
	return nil
}

// Guard operations

func (s *SQLiteStore) Admit(ctx context.Context, accountID string, limits GuardLimits, now time.Time) (*model.Admission, error) {
	now = now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin admit")
	}
	defer tx.Rollback()

	if limits.AdmissionTTL > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE guard_admissions SET released_at = ?
			 WHERE account_id = ? AND released_at IS NULL AND created_at < ?`,
			now, accountID, now.Add(-limits.AdmissionTTL),
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: expire admissions")
		}
	}

	var hourly, daily, concurrent int
	var oldestHourly, oldestDaily sql.NullTime
	if err := tx.QueryRowContext(ctx,
		`SELECT
		   COUNT(CASE WHEN created_at >= ? THEN 1 END),
		   COUNT(CASE WHEN created_at >= ? THEN 1 END),
		   COUNT(CASE WHEN released_at IS NULL THEN 1 END),
		   MIN(CASE WHEN created_at >= ? THEN created_at END),
		   MIN(CASE WHEN created_at >= ? THEN created_at END)
		 FROM guard_admissions
		 WHERE account_id = ? AND created_at >= ?`,
		now.Add(-time.Hour), now.Add(-24*time.Hour),
		now.Add(-time.Hour), now.Add(-24*time.Hour),
		accountID, now.Add(-24*time.Hour),
	).Scan(&hourly, &daily, &concurrent, &oldestHourly, &oldestDaily); err != nil {
		return nil, eris.Wrap(err, "sqlite: count admissions")
	}

	switch {
	case limits.MaxConcurrent > 0 && concurrent >= limits.MaxConcurrent:
		return nil, &model.RateLimitedError{AccountID: accountID, Reason: "concurrent report limit reached"}
	case limits.Hourly > 0 && hourly >= limits.Hourly:
		return nil, &model.RateLimitedError{
			AccountID:  accountID,
			Reason:     "hourly report limit reached",
			RetryAfter: windowRetry(nullTimePtr(oldestHourly), time.Hour, now),
		}
	case limits.Daily > 0 && daily >= limits.Daily:
		return nil, &model.RateLimitedError{
			AccountID:  accountID,
			Reason:     "daily report limit reached",
			RetryAfter: windowRetry(nullTimePtr(oldestDaily), 24*time.Hour, now),
		}
	}

	adm := &model.Admission{ID: uuid.New().String(), AccountID: accountID, CreatedAt: now}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO guard_admissions (id, account_id, created_at) VALUES (?, ?, ?)`,
		adm.ID, adm.AccountID, adm.CreatedAt,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert admission")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit admit")
	}
	return adm, nil
}

func (s *SQLiteStore) ReleaseAdmission(ctx context.Context, admissionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE guard_admissions SET released_at = ? WHERE id = ? AND released_at IS NULL`,
		time.Now().UTC(), admissionID,
	)
	return eris.Wrap(err, "sqlite: release admission")
}

// scan helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) requireReport(ctx context.Context, reportID string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM reports WHERE id = ?)`, reportID,
	).Scan(&exists); err != nil {
		return eris.Wrapf(err, "sqlite: check report %s", reportID)
	}
	if !exists {
		return model.ErrReportNotFound
	}
	return nil
}

func (s *SQLiteStore) requireStatusChange(ctx context.Context, res sql.Result, reportID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	if err := s.requireReport(ctx, reportID); err != nil {
		return err
	}
	return model.ErrWrongStatus
}

func scanSQLiteReport(row rowScanner) (*model.Report, error) {
	var r model.Report
	var dataJSON sql.NullString
	if err := row.Scan(&r.ID, &r.AccountID, &r.Mode, &r.Version, &r.Status,
		&r.CurrentStep, &r.PhaseProgress, &dataJSON, &r.Input,
		&r.Question, &r.Answer, &r.ErrorKind, &r.ErrorMessage,
		&r.TokenUsage.InputTokens, &r.TokenUsage.OutputTokens,
		&r.TokenUsage.CacheReadTokens, &r.TokenUsage.CacheWriteTokens,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if dataJSON.Valid && dataJSON.String != "" {
		r.ReportData = &model.ReportData{}
		if err := json.Unmarshal([]byte(dataJSON.String), r.ReportData); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal report data")
		}
	}
	return &r, nil
}

func scanSQLitePeriod(row rowScanner) (*model.UsagePeriod, error) {
	var p model.UsagePeriod
	if err := row.Scan(&p.AccountID, &p.PeriodStart, &p.PeriodEnd,
		&p.TokensUsed, &p.TokensReserved, &p.ReportsCount, &p.TierLimit); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanSQLiteReservation(row rowScanner) (*model.Reservation, error) {
	var res model.Reservation
	var settled sql.NullTime
	if err := row.Scan(&res.Key, &res.AccountID, &res.PeriodStart,
		&res.Tokens, &res.State, &res.CreatedAt, &settled); err != nil {
		return nil, err
	}
	if settled.Valid {
		res.SettledAt = &settled.Time
	}
	return &res, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
