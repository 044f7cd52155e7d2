package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/orca/pkg/schema"
)

// LibSQLStore implements Store on an embedded libSQL database.
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/orca.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

const runColumns = `id, goal, intent, status, source, plan, error, error_code, created_at, started_at, completed_at, updated_at, metadata`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run id is required")
	}
	if run.Status == "" {
		run.Status = schema.RunStatusPending
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = timeOrNow(run.UpdatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Goal, nullStr(string(run.Intent)), string(run.Status), nullStr(run.Source),
		nullRaw(run.Plan), nullStr(run.Error), nullStr(run.ErrorCode),
		run.CreatedAt, nullTime(run.StartedAt), nullTime(run.CompletedAt), run.UpdatedAt, nullRaw(run.Metadata),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID).WithCause(err)
	}
	return wrapStore(err, "create run")
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, wrapStore(err, "get run")
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var set clauses
	if update.Status != nil {
		set.add("status = ?", string(*update.Status))
	}
	if update.Intent != nil {
		set.add("intent = ?", string(*update.Intent))
	}
	if update.Source != nil {
		set.add("source = ?", *update.Source)
	}
	if update.Plan != nil {
		set.add("plan = ?", string(update.Plan))
	}
	if update.Error != nil {
		set.add("error = ?", *update.Error)
	}
	if update.ErrorCode != nil {
		set.add("error_code = ?", *update.ErrorCode)
	}
	if update.StartedAt != nil {
		set.add("started_at = ?", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		set.add("completed_at = ?", *update.CompletedAt)
	}
	if set.empty() {
		return nil
	}
	set.add("updated_at = ?", time.Now().UTC())

	res, err := s.db.ExecContext(ctx, "UPDATE runs SET "+set.join(", ")+" WHERE id = ?", append(set.args, id)...)
	if err != nil {
		return wrapStore(err, "update run")
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where clauses
	if filter.Status != nil {
		where.add("status = ?", string(*filter.Status))
	}
	if filter.Since != nil {
		where.add("created_at >= ?", *filter.Since)
	}
	if filter.Before != nil {
		where.add("created_at < ?", *filter.Before)
	}

	query := `SELECT ` + runColumns + ` FROM runs` + where.where() + " ORDER BY created_at DESC" +
		page(filter.Limit, filter.Offset)
	rows, err := s.db.QueryContext(ctx, query, where.args...)
	if err != nil {
		return nil, wrapStore(err, "list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, wrapStore(err, "scan run")
		}
		runs = append(runs, run)
	}
	return runs, wrapStore(rows.Err(), "list runs")
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return wrapStore(err, "delete run")
	}
	return checkRowsAffected(res, "run", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var (
		intent, source, plan, errMsg, errCode, meta sql.NullString
		startedAt, completedAt                      sql.NullTime
		status                                      string
	)
	if err := row.Scan(&run.ID, &run.Goal, &intent, &status, &source, &plan, &errMsg, &errCode,
		&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt, &meta); err != nil {
		return nil, err
	}
	run.Intent = schema.IntentType(intent.String)
	run.Status = schema.RunStatus(status)
	run.Source = source.String
	run.Plan = rawOrNil(plan)
	run.Error = errMsg.String
	run.ErrorCode = errCode.String
	run.Metadata = rawOrNil(meta)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Events ---

const eventColumns = `id, run_id, step_id, kind, payload, timestamp, sequence`

// AppendEvent assigns the next per-run sequence number and inserts event.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_id, kind, payload, timestamp, sequence) VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepID), string(event.Kind), nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return storeNotFound("run", event.RunID)
		}
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns the events of a run with sequence > since, in order.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, wrapStore(err, "get events")
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEvents returns events matching filter across runs, newest first.
func (s *LibSQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	var where clauses
	if filter.RunID != "" {
		where.add("run_id = ?", filter.RunID)
	}
	if filter.StepID != "" {
		where.add("step_id = ?", filter.StepID)
	}
	if filter.Kind != "" {
		where.add("kind = ?", string(filter.Kind))
	}
	if filter.Since != nil {
		where.add("timestamp >= ?", *filter.Since)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events`+where.where()+" ORDER BY id DESC"+page(filter.Limit, 0),
		where.args...)
	if err != nil {
		return nil, wrapStore(err, "list events")
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		var kind string
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &kind, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, wrapStore(err, "scan event")
		}
		e.StepID = stepID.String
		e.Kind = schema.EventKind(kind)
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, wrapStore(rows.Err(), "scan events")
}

// --- Helpers ---

// clauses accumulates SQL fragments with their positional arguments.
type clauses struct {
	parts []string
	args  []any
}

func (c *clauses) add(fragment string, arg any) {
	c.parts = append(c.parts, fragment)
	c.args = append(c.args, arg)
}

func (c *clauses) empty() bool { return len(c.parts) == 0 }

func (c *clauses) join(sep string) string { return strings.Join(c.parts, sep) }

// where renders the fragments as a WHERE clause, or nothing.
func (c *clauses) where() string {
	if c.empty() {
		return ""
	}
	return " WHERE " + c.join(" AND ")
}

// page renders LIMIT/OFFSET. A zero limit means no limit.
func page(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	if offset > 0 {
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

func storeNotFound(resource, id string) *schema.OrcaError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func wrapStore(err error, op string) error {
	if err == nil {
		return nil
	}
	var oe *schema.OrcaError
	if errors.As(err, &oe) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapStore(err, "rows affected")
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
