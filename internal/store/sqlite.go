package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"chronod/internal/model"
	"chronod/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 20
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const jobColumns = `id, name, description, cron_expr, timezone, url, method,
	headers, query, body, enabled, skip_if_running, retry_budget,
	attempt_timeout_ms, owner_id, status, last_fired_at, next_fire_at,
	created_at, updated_at`

func (s *sqliteStore) ListEnabledJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE enabled = 1 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id.String())
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) CreateJob(ctx context.Context, j model.Job) error {
	headers, query, err := encodeMaps(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID.String(), j.Name, j.Description, j.CronExpr, j.Timezone, j.URL,
		strings.ToUpper(j.Method), headers, query, j.Body,
		boolInt(j.Enabled), boolInt(j.SkipIfRunning), j.RetryBudget,
		j.AttemptTimeout.Milliseconds(), j.OwnerID, string(j.Status),
		nullTime(j.LastFiredAt), nullTime(j.NextFireAt),
		fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) UpdateJob(ctx context.Context, j model.Job) error {
	headers, query, err := encodeMaps(j)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET name=?, description=?, cron_expr=?, timezone=?, url=?,
		   method=?, headers=?, query=?, body=?, enabled=?, skip_if_running=?,
		   retry_budget=?, attempt_timeout_ms=?, owner_id=?, status=?,
		   last_fired_at=?, next_fire_at=?, updated_at=?
		 WHERE id=?`,
		j.Name, j.Description, j.CronExpr, j.Timezone, j.URL,
		strings.ToUpper(j.Method), headers, query, j.Body,
		boolInt(j.Enabled), boolInt(j.SkipIfRunning),
		j.RetryBudget, j.AttemptTimeout.Milliseconds(), j.OwnerID,
		string(j.Status), nullTime(j.LastFiredAt), nullTime(j.NextFireAt),
		fmtTime(time.Now()), j.ID.String(),
	)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *sqliteStore) MarkJobRunning(ctx context.Context, id uuid.UUID, firedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status=?, last_fired_at=?, updated_at=? WHERE id=?`,
		string(model.JobRunning), fmtTime(firedAt), fmtTime(firedAt), id.String())
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *sqliteStore) CreateExecution(ctx context.Context, e model.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, job_id, started_at, completed_at, status,
		   status_code, response_body, error, duration_ms, attempt)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID.String(), e.JobID.String(), fmtTime(e.StartedAt),
		nullTime(e.CompletedAt), string(e.Status),
		nullIntPtr(e.StatusCode), nullStrPtr(e.ResponseBody),
		e.ErrorMessage, e.DurationMS, e.Attempt,
	)
	return err
}

// CompleteExecution is the core's only cross-entity write: the execution's
// terminal fields and the parent job's derived state commit together or
// not at all.
func (s *sqliteStore) CompleteExecution(ctx context.Context, e model.Execution, jobStatus model.JobStatus, nextFireAt *time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE executions SET completed_at=?, status=?, status_code=?,
		   response_body=?, error=?, duration_ms=?, attempt=?
		 WHERE id=?`,
		nullTime(e.CompletedAt), string(e.Status),
		nullIntPtr(e.StatusCode), nullStrPtr(e.ResponseBody),
		e.ErrorMessage, e.DurationMS, e.Attempt, e.ID.String(),
	)
	if err != nil {
		return err
	}
	if err := mustAffect(res); err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status=?, next_fire_at=?, updated_at=? WHERE id=?`,
		string(jobStatus), nullTime(nextFireAt), fmtTime(time.Now()),
		e.JobID.String(),
	)
	if err != nil {
		return err
	}
	if err := mustAffect(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendScheduleChange(ctx context.Context, c model.ScheduleChange) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_changes (id, job_id, old_expr, new_expr, reason, author, changed_at)
		 VALUES (?,?,?,?,?,?,?)`,
		c.ID.String(), c.JobID.String(), c.OldExpr, c.NewExpr, c.Reason,
		c.Author, fmtTime(c.ChangedAt),
	)
	return err
}

func (s *sqliteStore) ListScheduleChanges(ctx context.Context, jobID uuid.UUID, n int) ([]model.ScheduleChange, error) {
	if n <= 0 || n > RecentLimit {
		n = RecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, old_expr, new_expr, reason, author, changed_at
		 FROM schedule_changes WHERE job_id = ?
		 ORDER BY changed_at DESC LIMIT ?`,
		jobID.String(), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScheduleChange
	for rows.Next() {
		var c model.ScheduleChange
		var id, jid, changed string
		if err := rows.Scan(&id, &jid, &c.OldExpr, &c.NewExpr, &c.Reason, &c.Author, &changed); err != nil {
			return nil, err
		}
		if c.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if c.JobID, err = uuid.Parse(jid); err != nil {
			return nil, err
		}
		if c.ChangedAt, err = parseTime(changed); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecentExecutions(ctx context.Context, jobID uuid.UUID, n int) ([]model.Execution, error) {
	if n <= 0 || n > RecentLimit {
		n = RecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, started_at, completed_at, status, status_code,
		   response_body, error, duration_ms, attempt
		 FROM executions WHERE job_id = ?
		 ORDER BY started_at DESC LIMIT ?`,
		jobID.String(), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Execution
	for rows.Next() {
		var (
			e                model.Execution
			id, jid, started string
			completed        sql.NullString
			status           string
			code             sql.NullInt64
			body             sql.NullString
		)
		if err := rows.Scan(&id, &jid, &started, &completed, &status, &code,
			&body, &e.ErrorMessage, &e.DurationMS, &e.Attempt); err != nil {
			return nil, err
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if e.JobID, err = uuid.Parse(jid); err != nil {
			return nil, err
		}
		if e.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		e.CompletedAt, err = parseNullTime(completed)
		if err != nil {
			return nil, err
		}
		e.Status = model.ExecutionStatus(status)
		if code.Valid {
			v := int(code.Int64)
			e.StatusCode = &v
		}
		if body.Valid {
			v := body.String
			e.ResponseBody = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- scanning helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (model.Job, error) {
	var (
		j                      model.Job
		id, headers, query     string
		method, status         string
		enabled, skip          int
		timeoutMS              int64
		lastFired, nextFire    sql.NullString
		createdAt, updatedAt   string
	)
	err := r.Scan(&id, &j.Name, &j.Description, &j.CronExpr, &j.Timezone,
		&j.URL, &method, &headers, &query, &j.Body, &enabled, &skip,
		&j.RetryBudget, &timeoutMS, &j.OwnerID, &status,
		&lastFired, &nextFire, &createdAt, &updatedAt)
	if err != nil {
		return model.Job{}, err
	}
	if j.ID, err = uuid.Parse(id); err != nil {
		return model.Job{}, err
	}
	j.Method = method
	j.Status = model.JobStatus(status)
	j.Enabled = enabled != 0
	j.SkipIfRunning = skip != 0
	j.AttemptTimeout = time.Duration(timeoutMS) * time.Millisecond
	if err := json.Unmarshal([]byte(headers), &j.Headers); err != nil {
		return model.Job{}, fmt.Errorf("store: decode headers: %w", err)
	}
	if err := json.Unmarshal([]byte(query), &j.Query); err != nil {
		return model.Job{}, fmt.Errorf("store: decode query: %w", err)
	}
	if j.LastFiredAt, err = parseNullTime(lastFired); err != nil {
		return model.Job{}, err
	}
	if j.NextFireAt, err = parseNullTime(nextFire); err != nil {
		return model.Job{}, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Job{}, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Job{}, err
	}
	return j, nil
}

func encodeMaps(j model.Job) (headers, query string, err error) {
	h := j.Headers
	if h == nil {
		h = map[string]string{}
	}
	q := j.Query
	if q == nil {
		q = map[string]string{}
	}
	hb, err := json.Marshal(h)
	if err != nil {
		return "", "", err
	}
	qb, err := json.Marshal(q)
	if err != nil {
		return "", "", err
	}
	return string(hb), string(qb), nil
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// fmtTime writes a fixed-width UTC timestamp so that ORDER BY on the
// text column matches chronological order.
func fmtTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullStrPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
