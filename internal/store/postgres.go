package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sparlo/report-engine/internal/db"
	"github.com/sparlo/report-engine/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS reports (
	id                 TEXT PRIMARY KEY,
	account_id         TEXT NOT NULL,
	mode               TEXT NOT NULL,
	version            TEXT NOT NULL,
	status             TEXT NOT NULL,
	current_step       TEXT NOT NULL DEFAULT '',
	phase_progress     INTEGER NOT NULL DEFAULT 0,
	report_data        JSONB,
	input              TEXT NOT NULL,
	question           TEXT NOT NULL DEFAULT '',
	answer             TEXT NOT NULL DEFAULT '',
	error_kind         TEXT NOT NULL DEFAULT '',
	error_message      TEXT NOT NULL DEFAULT '',
	input_tokens       BIGINT NOT NULL DEFAULT 0,
	output_tokens      BIGINT NOT NULL DEFAULT 0,
	cache_read_tokens  BIGINT NOT NULL DEFAULT 0,
	cache_write_tokens BIGINT NOT NULL DEFAULT 0,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_reports_account ON reports(account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);

CREATE TABLE IF NOT EXISTS report_steps (
	report_id          TEXT NOT NULL REFERENCES reports(id),
	step_id            TEXT NOT NULL,
	payload            JSONB NOT NULL,
	input_tokens       BIGINT NOT NULL DEFAULT 0,
	output_tokens      BIGINT NOT NULL DEFAULT 0,
	cache_read_tokens  BIGINT NOT NULL DEFAULT 0,
	cache_write_tokens BIGINT NOT NULL DEFAULT 0,
	schema_version     TEXT NOT NULL,
	completed_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (report_id, step_id)
);

CREATE TABLE IF NOT EXISTS usage_periods (
	account_id      TEXT NOT NULL,
	period_start    TIMESTAMPTZ NOT NULL,
	period_end      TIMESTAMPTZ NOT NULL,
	tokens_used     BIGINT NOT NULL DEFAULT 0,
	tokens_reserved BIGINT NOT NULL DEFAULT 0,
	reports_count   INTEGER NOT NULL DEFAULT 0,
	tier_limit      BIGINT NOT NULL,
	PRIMARY KEY (account_id, period_start)
);

CREATE TABLE IF NOT EXISTS usage_reservations (
	key          TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL,
	period_start TIMESTAMPTZ NOT NULL,
	tokens       BIGINT NOT NULL,
	state        TEXT NOT NULL DEFAULT 'reserved',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	settled_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_reservations_account ON usage_reservations(account_id, state);

CREATE TABLE IF NOT EXISTS guard_admissions (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	released_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_admissions_account ON guard_admissions(account_id, created_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}

// Report operations

const reportColumns = `id, account_id, mode, version, status, current_step, phase_progress,
	report_data, input, question, answer, error_kind, error_message,
	input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
	created_at, updated_at`

func (s *PostgresStore) CreateReport(ctx context.Context, id, accountID string, mode model.Mode, input string, status model.ReportStatus) (*model.Report, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reports (id, account_id, mode, version, status, input, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		id, accountID, string(mode), model.SchemaVersion, string(status), input, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert report")
	}
	return s.GetReport(ctx, id)
}

func (s *PostgresStore) GetReport(ctx context.Context, id string) (*model.Report, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE id = $1`, id)
	r, err := scanReport(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrReportNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get report %s", id)
	}

	if err := s.loadSteps(ctx, r); err != nil {
		return nil, err
	}
	model.MigrateReport(r)
	return r, nil
}

func (s *PostgresStore) ListReports(ctx context.Context, f ReportFilter) ([]*model.Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE true`
	args := []any{}
	argIdx := 1

	if f.AccountID != "" {
		query += fmt.Sprintf(` AND account_id = $%d`, argIdx)
		args = append(args, f.AccountID)
		argIdx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if f.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reports")
	}
	defer rows.Close()

	var reports []*model.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan report")
		}
		model.MigrateReport(r)
		reports = append(reports, r)
	}
	return reports, eris.Wrap(rows.Err(), "postgres: list reports iterate")
}

func (s *PostgresStore) Checkpoint(ctx context.Context, reportID string, result model.StepResult, progress int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin checkpoint")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO report_steps
		 (report_id, step_id, payload, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, schema_version, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (report_id, step_id) DO UPDATE SET
		   payload = $3, input_tokens = $4, output_tokens = $5,
		   cache_read_tokens = $6, cache_write_tokens = $7,
		   schema_version = $8, completed_at = $9`,
		reportID, result.StepID, []byte(result.Payload),
		result.Usage.InputTokens, result.Usage.OutputTokens,
		result.Usage.CacheReadTokens, result.Usage.CacheWriteTokens,
		result.SchemaVersion, result.CompletedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert step %s", result.StepID)
	}

	// Cumulative usage is recomputed from the step rows so a replayed
	// checkpoint never double-counts.
	tag, err := tx.Exec(ctx,
		`UPDATE reports SET
		   current_step = $2,
		   phase_progress = GREATEST(phase_progress, $3),
		   input_tokens = agg.i, output_tokens = agg.o,
		   cache_read_tokens = agg.cr, cache_write_tokens = agg.cw,
		   updated_at = $4
		 FROM (
		   SELECT COALESCE(SUM(input_tokens), 0) AS i,
		          COALESCE(SUM(output_tokens), 0) AS o,
		          COALESCE(SUM(cache_read_tokens), 0) AS cr,
		          COALESCE(SUM(cache_write_tokens), 0) AS cw
		   FROM report_steps WHERE report_id = $1
		 ) agg
		 WHERE id = $1`,
		reportID, result.StepID, progress, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: checkpoint report %s", reportID)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrReportNotFound
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit checkpoint")
}

func (s *PostgresStore) CompleteReport(ctx context.Context, reportID string, data *model.ReportData, usage model.TokenUsage, reservationKey string, actualTokens int) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report data")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin complete")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE reports SET
		   status = $2, report_data = $3, phase_progress = 100,
		   input_tokens = $4, output_tokens = $5,
		   cache_read_tokens = $6, cache_write_tokens = $7,
		   updated_at = $8
		 WHERE id = $1 AND status NOT IN ('error', 'clarification_timeout')`,
		reportID, string(model.StatusComplete), dataJSON,
		usage.InputTokens, usage.OutputTokens,
		usage.CacheReadTokens, usage.CacheWriteTokens,
		time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete report %s", reportID)
	}
	if tag.RowsAffected() == 0 {
		// A report that already failed or timed out stays that way;
		// re-completing a complete report matches and stays idempotent.
		if err := s.requireReport(ctx, reportID); err != nil {
			return err
		}
		return model.ErrWrongStatus
	}

	if err := finalizeReservationTx(ctx, tx, reservationKey, actualTokens); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit complete")
}

func (s *PostgresStore) FailReport(ctx context.Context, reportID string, kind model.ErrorKind, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $2, error_kind = $3, error_message = $4, updated_at = $5
		 WHERE id = $1 AND status NOT IN ('complete', 'error', 'clarification_timeout')`,
		reportID, string(model.StatusError), string(kind), message, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail report %s", reportID)
	}
	if tag.RowsAffected() == 0 {
		// Already terminal or missing. Failing a terminal report is a
		// no-op so crash-retry paths stay idempotent.
		return s.requireReport(ctx, reportID)
	}
	return nil
}

func (s *PostgresStore) SetClarification(ctx context.Context, reportID, question string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET question = $2, status = $3, updated_at = $4
		 WHERE id = $1 AND status IN ('clarifying', 'processing')`,
		reportID, question, string(model.StatusClarifying), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set clarification %s", reportID)
	}
	if tag.RowsAffected() == 0 {
		if err := s.requireReport(ctx, reportID); err != nil {
			return err
		}
		return model.ErrWrongStatus
	}
	return nil
}

func (s *PostgresStore) AnswerClarification(ctx context.Context, reportID, answer string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET answer = $2, status = $3, updated_at = $4
		 WHERE id = $1 AND status = 'clarifying'`,
		reportID, answer, string(model.StatusProcessing), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: answer clarification %s", reportID)
	}
	if tag.RowsAffected() == 0 {
		if err := s.requireReport(ctx, reportID); err != nil {
			return err
		}
		return model.ErrWrongStatus
	}
	return nil
}

func (s *PostgresStore) TimeoutClarification(ctx context.Context, reportID string, partial model.TokenUsage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $2,
		   input_tokens = $3, output_tokens = $4,
		   cache_read_tokens = $5, cache_write_tokens = $6,
		   updated_at = $7
		 WHERE id = $1 AND status = 'clarifying'`,
		reportID, string(model.StatusClarificationTimeout),
		partial.InputTokens, partial.OutputTokens,
		partial.CacheReadTokens, partial.CacheWriteTokens,
		time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: timeout clarification %s", reportID)
	}
	if tag.RowsAffected() == 0 {
		if err := s.requireReport(ctx, reportID); err != nil {
			return err
		}
		return model.ErrWrongStatus
	}
	return nil
}

// Usage ledger operations

func (s *PostgresStore) GetOrCreatePeriod(ctx context.Context, accountID string, now time.Time, tierLimit int) (*model.UsagePeriod, error) {
	start, end := PeriodWindow(now)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin period")
	}
	defer tx.Rollback(ctx)

	// Serializes concurrent first calls for an account so exactly one row
	// is created per window.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, accountID); err != nil {
		return nil, eris.Wrap(err, "postgres: period lock")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO usage_periods (account_id, period_start, period_end, tier_limit)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id, period_start) DO NOTHING`,
		accountID, start, end, tierLimit,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: insert period")
	}

	p, err := scanPeriod(tx.QueryRow(ctx,
		`SELECT account_id, period_start, period_end, tokens_used, tokens_reserved, reports_count, tier_limit
		 FROM usage_periods WHERE account_id = $1 AND period_start = $2`,
		accountID, start,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get period %s", accountID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit period")
	}
	return p, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, accountID string, tokens int, key string, now time.Time, tierLimit int) (*model.Reservation, error) {
	start, end := PeriodWindow(now)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin reserve")
	}
	defer tx.Rollback(ctx)

	// Idempotency: a repeated key returns the prior reservation without
	// touching the period counters.
	existing, err := scanReservation(tx.QueryRow(ctx,
		`SELECT key, account_id, period_start, tokens, state, created_at, settled_at
		 FROM usage_reservations WHERE key = $1`, key))
	if err == nil {
		if cErr := tx.Commit(ctx); cErr != nil {
			return nil, eris.Wrap(cErr, "postgres: commit reserve")
		}
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(err, "postgres: lookup reservation")
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, accountID); err != nil {
		return nil, eris.Wrap(err, "postgres: reserve lock")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO usage_periods (account_id, period_start, period_end, tier_limit)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id, period_start) DO NOTHING`,
		accountID, start, end, tierLimit,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: insert period")
	}

	// The quota check and the counter bump are one statement; two
	// concurrent reservations can never both slip under the limit.
	tag, err := tx.Exec(ctx,
		`UPDATE usage_periods SET tokens_reserved = tokens_reserved + $3
		 WHERE account_id = $1 AND period_start = $2
		   AND tokens_used + tokens_reserved + $3 <= tier_limit`,
		accountID, start, tokens,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: reserve tokens")
	}
	if tag.RowsAffected() == 0 {
		var available int
		if err := tx.QueryRow(ctx,
			`SELECT GREATEST(tier_limit - tokens_used - tokens_reserved, 0)
			 FROM usage_periods WHERE account_id = $1 AND period_start = $2`,
			accountID, start,
		).Scan(&available); err != nil {
			return nil, eris.Wrap(err, "postgres: read available")
		}
		return nil, &model.QuotaExceededError{AccountID: accountID, Requested: tokens, Available: available}
	}

	createdAt := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO usage_reservations (key, account_id, period_start, tokens, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		key, accountID, start, tokens, string(model.ReservationReserved), createdAt,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: insert reservation")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit reserve")
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

func (s *PostgresStore) FinalizeReservation(ctx context.Context, key string, actualTokens int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin finalize")
	}
	defer tx.Rollback(ctx)

	if err := finalizeReservationTx(ctx, tx, key, actualTokens); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit finalize")
}

func (s *PostgresStore) ReleaseReservation(ctx context.Context, key string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin release")
	}
	defer tx.Rollback(ctx)

	if err := settleReservationTx(ctx, tx, key, 0, model.ReservationReleased, false); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit release")
}

func finalizeReservationTx(ctx context.Context, tx pgx.Tx, key string, actualTokens int) error {
	return settleReservationTx(ctx, tx, key, actualTokens, model.ReservationFinalized, true)
}

// settleReservationTx moves a reserved reservation to a settled state and
// adjusts the period counters once. Settled keys are a no-op.
func settleReservationTx(ctx context.Context, tx pgx.Tx, key string, actualTokens int, state model.ReservationState, countReport bool) error {
	res, err := scanReservation(tx.QueryRow(ctx,
		`SELECT key, account_id, period_start, tokens, state, created_at, settled_at
		 FROM usage_reservations WHERE key = $1 FOR UPDATE`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrReservationNotFound
		}
		return eris.Wrap(err, "postgres: lookup reservation")
	}
	if res.State != model.ReservationReserved {
		return nil
	}

	countDelta := 0
	if countReport {
		countDelta = 1
	}
	if _, err := tx.Exec(ctx,
		`UPDATE usage_periods SET
		   tokens_reserved = GREATEST(tokens_reserved - $3, 0),
		   tokens_used = tokens_used + $4,
		   reports_count = reports_count + $5
		 WHERE account_id = $1 AND period_start = $2`,
		res.AccountID, res.PeriodStart, res.Tokens, actualTokens, countDelta,
	); err != nil {
		return eris.Wrap(err, "postgres: settle period")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE usage_reservations SET state = $2, settled_at = $3 WHERE key = $1`,
		key, string(state), time.Now().UTC(),
	); err != nil {
		return eris.Wrap(err, "postgres: settle reservation")
	}
	return nil
}

// Guard operations

func (s *PostgresStore) Admit(ctx context.Context, accountID string, limits GuardLimits, now time.Time) (*model.Admission, error) {
	now = now.UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin admit")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || ':guard'))`, accountID); err != nil {
		return nil, eris.Wrap(err, "postgres: admit lock")
	}

	// Reclaim slots held past the TTL by crashed runs.
	if limits.AdmissionTTL > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE guard_admissions SET released_at = $2
			 WHERE account_id = $1 AND released_at IS NULL AND created_at < $3`,
			accountID, now, now.Add(-limits.AdmissionTTL),
		); err != nil {
			return nil, eris.Wrap(err, "postgres: expire admissions")
		}
	}

	var hourly, daily, concurrent int
	var oldestHourly, oldestDaily *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE created_at >= $2),
		   COUNT(*) FILTER (WHERE created_at >= $3),
		   COUNT(*) FILTER (WHERE released_at IS NULL),
		   MIN(created_at) FILTER (WHERE created_at >= $2),
		   MIN(created_at) FILTER (WHERE created_at >= $3)
		 FROM guard_admissions
		 WHERE account_id = $1 AND created_at >= $3`,
		accountID, now.Add(-time.Hour), now.Add(-24*time.Hour),
	).Scan(&hourly, &daily, &concurrent, &oldestHourly, &oldestDaily); err != nil {
		return nil, eris.Wrap(err, "postgres: count admissions")
	}

	switch {
	case limits.MaxConcurrent > 0 && concurrent >= limits.MaxConcurrent:
		return nil, &model.RateLimitedError{AccountID: accountID, Reason: "concurrent report limit reached"}
	case limits.Hourly > 0 && hourly >= limits.Hourly:
		return nil, &model.RateLimitedError{
			AccountID:  accountID,
			Reason:     "hourly report limit reached",
			RetryAfter: windowRetry(oldestHourly, time.Hour, now),
		}
	case limits.Daily > 0 && daily >= limits.Daily:
		return nil, &model.RateLimitedError{
			AccountID:  accountID,
			Reason:     "daily report limit reached",
			RetryAfter: windowRetry(oldestDaily, 24*time.Hour, now),
		}
	}

	adm := &model.Admission{ID: uuid.New().String(), AccountID: accountID, CreatedAt: now}
	if _, err := tx.Exec(ctx,
		`INSERT INTO guard_admissions (id, account_id, created_at) VALUES ($1, $2, $3)`,
		adm.ID, adm.AccountID, adm.CreatedAt,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: insert admission")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit admit")
	}
	return adm, nil
}

func (s *PostgresStore) ReleaseAdmission(ctx context.Context, admissionID string) error {
	// Idempotent: releasing an unknown or already-released slot is a no-op.
	_, err := s.pool.Exec(ctx,
		`UPDATE guard_admissions SET released_at = $2 WHERE id = $1 AND released_at IS NULL`,
		admissionID, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: release admission")
}

func windowRetry(oldest *time.Time, window time.Duration, now time.Time) time.Duration {
	if oldest == nil {
		return window
	}
	d := oldest.Add(window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// scan helpers

func (s *PostgresStore) requireReport(ctx context.Context, reportID string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM reports WHERE id = $1)`, reportID,
	).Scan(&exists); err != nil {
		return eris.Wrapf(err, "postgres: check report %s", reportID)
	}
	if !exists {
		return model.ErrReportNotFound
	}
	return nil
}

func (s *PostgresStore) loadSteps(ctx context.Context, r *model.Report) error {
	rows, err := s.pool.Query(ctx,
		`SELECT step_id, payload, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, schema_version, completed_at
		 FROM report_steps WHERE report_id = $1`,
		r.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: load steps %s", r.ID)
	}
	defer rows.Close()

	r.StepResults = map[string]model.StepResult{}
	for rows.Next() {
		var sr model.StepResult
		var payload []byte
		if err := rows.Scan(&sr.StepID, &payload,
			&sr.Usage.InputTokens, &sr.Usage.OutputTokens,
			&sr.Usage.CacheReadTokens, &sr.Usage.CacheWriteTokens,
			&sr.SchemaVersion, &sr.CompletedAt); err != nil {
			return eris.Wrap(err, "postgres: scan step")
		}
		sr.Payload = json.RawMessage(payload)
		r.StepResults[sr.StepID] = sr
	}
	return eris.Wrap(rows.Err(), "postgres: load steps iterate")
}

func scanReport(row pgx.Row) (*model.Report, error) {
	var r model.Report
	var dataJSON []byte
	if err := row.Scan(&r.ID, &r.AccountID, &r.Mode, &r.Version, &r.Status,
		&r.CurrentStep, &r.PhaseProgress, &dataJSON, &r.Input,
		&r.Question, &r.Answer, &r.ErrorKind, &r.ErrorMessage,
		&r.TokenUsage.InputTokens, &r.TokenUsage.OutputTokens,
		&r.TokenUsage.CacheReadTokens, &r.TokenUsage.CacheWriteTokens,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if len(dataJSON) > 0 {
		r.ReportData = &model.ReportData{}
		if err := json.Unmarshal(dataJSON, r.ReportData); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal report data")
		}
	}
	return &r, nil
}

func scanPeriod(row pgx.Row) (*model.UsagePeriod, error) {
	var p model.UsagePeriod
	if err := row.Scan(&p.AccountID, &p.PeriodStart, &p.PeriodEnd,
		&p.TokensUsed, &p.TokensReserved, &p.ReportsCount, &p.TierLimit); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanReservation(row pgx.Row) (*model.Reservation, error) {
	var res model.Reservation
	if err := row.Scan(&res.Key, &res.AccountID, &res.PeriodStart,
		&res.Tokens, &res.State, &res.CreatedAt, &res.SettledAt); err != nil {
		return nil, err
	}
	return &res, nil
}
