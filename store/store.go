// Package store provides crash-safe persistence for plans, steps and the
// append-only event transcript, plus a TTL'd key-value cache and a small
// facts table. The backing store is an embedded SQLite database in WAL mode
// so readers do not block the single serialized writer.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/knothic/anvil/core"
	"github.com/knothic/anvil/plan"
)

// schemaVersion is bumped whenever the base schema changes shape.
const schemaVersion = "1"

// Store owns the SQLite handle. Writers serialize on mu; SQLite's WAL
// journal keeps readers from blocking them for long intervals.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	path   string
	logger core.Logger
}

// Open opens (creating if needed) the database at path and applies the
// reliability pragmas. Call EnsureBaseSchema before first use.
func Open(path string, logger core.Logger) (*Store, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	// A single connection keeps writes strictly serialized.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	return &Store{db: db, path: path, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureBaseSchema creates the base tables if missing. Idempotent.
func (s *Store) EnsureBaseSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const schema = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  version TEXT UNIQUE NOT NULL,
	  applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	);
	CREATE TABLE IF NOT EXISTS plans (
	  id TEXT PRIMARY KEY,
	  title TEXT NOT NULL,
	  state TEXT NOT NULL,
	  created_at INTEGER NOT NULL,
	  updated_at INTEGER NOT NULL,
	  budget JSON,
	  metadata JSON
	);
	CREATE TABLE IF NOT EXISTS steps (
	  id TEXT PRIMARY KEY,
	  plan_id TEXT NOT NULL REFERENCES plans(id),
	  position INTEGER NOT NULL,
	  name TEXT NOT NULL,
	  capability TEXT NOT NULL,
	  scopes JSON,
	  input JSON,
	  deps JSON,
	  guard JSON,
	  state TEXT NOT NULL,
	  attempts INTEGER NOT NULL DEFAULT 0,
	  started_at INTEGER,
	  ended_at INTEGER,
	  error TEXT,
	  output JSON
	);
	CREATE INDEX IF NOT EXISTS idx_steps_plan ON steps(plan_id, position);
	CREATE TABLE IF NOT EXISTS events (
	  seq INTEGER PRIMARY KEY AUTOINCREMENT,
	  id TEXT UNIQUE NOT NULL,
	  plan_id TEXT NOT NULL,
	  step_id TEXT,
	  ts INTEGER NOT NULL,
	  type TEXT NOT NULL,
	  payload JSON
	);
	CREATE INDEX IF NOT EXISTS idx_events_plan_ts ON events(plan_id, ts);
	CREATE TABLE IF NOT EXISTS cache_items (
	  key TEXT PRIMARY KEY,
	  value TEXT NOT NULL,
	  meta JSON,
	  created_at INTEGER NOT NULL,
	  expires_at INTEGER
	);
	CREATE TABLE IF NOT EXISTS facts (
	  key TEXT PRIMARY KEY,
	  value TEXT NOT NULL,
	  updated_at INTEGER NOT NULL
	);`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensuring base schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)`, schemaVersion); err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (string, error) {
	var version string
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM schema_migrations ORDER BY id DESC LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return version, err
}

// UpsertPlan persists the plan row (not its steps).
func (s *Store) UpsertPlan(ctx context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, title, state, created_at, updated_at, budget, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  title = excluded.title,
		  state = excluded.state,
		  updated_at = excluded.updated_at,
		  budget = excluded.budget,
		  metadata = excluded.metadata`,
		p.ID, p.Title, string(p.State), p.CreatedAt, p.UpdatedAt,
		marshalJSON(p.Budget), marshalJSON(p.Metadata),
	)
	if err != nil {
		return fmt.Errorf("upserting plan %s: %w", p.ID, err)
	}
	return nil
}

// UpsertStep persists one step row at the given position within its plan.
func (s *Store) UpsertStep(ctx context.Context, planID string, position int, st *plan.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertStepLocked(ctx, planID, position, st)
}

func (s *Store) upsertStepLocked(ctx context.Context, planID string, position int, st *plan.Step) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO steps (id, plan_id, position, name, capability, scopes, input, deps, guard,
		                   state, attempts, started_at, ended_at, error, output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  position = excluded.position,
		  name = excluded.name,
		  capability = excluded.capability,
		  scopes = excluded.scopes,
		  input = excluded.input,
		  deps = excluded.deps,
		  guard = excluded.guard,
		  state = excluded.state,
		  attempts = excluded.attempts,
		  started_at = excluded.started_at,
		  ended_at = excluded.ended_at,
		  error = excluded.error,
		  output = excluded.output`,
		st.ID, planID, position, st.Name, st.Capability.Name,
		marshalJSON(st.Capability.Scopes), marshalJSON(st.Input), marshalJSON(st.Deps),
		marshalJSON(st.Guard), string(st.State), st.Attempts,
		nullInt64(st.StartedAt), nullInt64(st.EndedAt), nullString(st.Error),
		marshalJSON(st.Output),
	)
	if err != nil {
		return fmt.Errorf("upserting step %s: %w", st.ID, err)
	}
	return nil
}

// SavePlan persists the plan row and every step in one transaction. The
// executor calls this after each step state change.
func (s *Store) SavePlan(ctx context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning save of plan %s: %w", p.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plans (id, title, state, created_at, updated_at, budget, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  title = excluded.title,
		  state = excluded.state,
		  updated_at = excluded.updated_at,
		  budget = excluded.budget,
		  metadata = excluded.metadata`,
		p.ID, p.Title, string(p.State), p.CreatedAt, p.UpdatedAt,
		marshalJSON(p.Budget), marshalJSON(p.Metadata),
	)
	if err != nil {
		return fmt.Errorf("upserting plan %s: %w", p.ID, err)
	}

	for i, st := range p.Steps {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (id, plan_id, position, name, capability, scopes, input, deps, guard,
			                   state, attempts, started_at, ended_at, error, output)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
			  position = excluded.position,
			  name = excluded.name,
			  capability = excluded.capability,
			  scopes = excluded.scopes,
			  input = excluded.input,
			  deps = excluded.deps,
			  guard = excluded.guard,
			  state = excluded.state,
			  attempts = excluded.attempts,
			  started_at = excluded.started_at,
			  ended_at = excluded.ended_at,
			  error = excluded.error,
			  output = excluded.output`,
			st.ID, p.ID, i, st.Name, st.Capability.Name,
			marshalJSON(st.Capability.Scopes), marshalJSON(st.Input), marshalJSON(st.Deps),
			marshalJSON(st.Guard), string(st.State), st.Attempts,
			nullInt64(st.StartedAt), nullInt64(st.EndedAt), nullString(st.Error),
			marshalJSON(st.Output),
		)
		if err != nil {
			return fmt.Errorf("upserting step %s: %w", st.ID, err)
		}
	}

	return tx.Commit()
}

// AppendEvent appends one transcript event. Events are insert-only; the
// autoincrement seq preserves insertion order for equal timestamps.
func (s *Store) AppendEvent(ctx context.Context, ev *plan.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, plan_id, step_id, ts, type, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.PlanID, nullString(ev.StepID), ev.TS, string(ev.Type), marshalJSON(ev.Payload),
	)
	if err != nil {
		return fmt.Errorf("appending event %s: %w", ev.ID, err)
	}
	return nil
}

// GetPlan returns the plan row without its steps, or core.ErrNotFound.
func (s *Store) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, state, created_at, updated_at, budget, metadata
		FROM plans WHERE id = ?`, id)

	var p plan.Plan
	var state, budget, metadata string
	err := row.Scan(&p.ID, &p.Title, &state, &p.CreatedAt, &p.UpdatedAt, &budget, &metadata)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", id, err)
	}
	p.State = plan.PlanState(state)
	unmarshalJSON(budget, &p.Budget)
	unmarshalJSON(metadata, &p.Metadata)
	return &p, nil
}

// LoadPlan returns the plan with its steps attached, or core.ErrNotFound.
func (s *Store) LoadPlan(ctx context.Context, id string) (*plan.Plan, error) {
	p, err := s.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.GetSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Steps = steps
	return p, nil
}

// GetSteps returns a plan's steps in submission order.
func (s *Store) GetSteps(ctx context.Context, planID string) ([]*plan.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, capability, scopes, input, deps, guard,
		       state, attempts, started_at, ended_at, error, output
		FROM steps WHERE plan_id = ? ORDER BY position`, planID)
	if err != nil {
		return nil, fmt.Errorf("reading steps for plan %s: %w", planID, err)
	}
	defer func() { _ = rows.Close() }()

	var steps []*plan.Step
	for rows.Next() {
		var st plan.Step
		var scopes, input, deps, guard, output, state string
		var startedAt, endedAt sql.NullInt64
		var stepErr sql.NullString
		if err := rows.Scan(&st.ID, &st.Name, &st.Capability.Name, &scopes, &input, &deps,
			&guard, &state, &st.Attempts, &startedAt, &endedAt, &stepErr, &output); err != nil {
			return nil, fmt.Errorf("scanning step row: %w", err)
		}
		unmarshalJSON(scopes, &st.Capability.Scopes)
		unmarshalJSON(input, &st.Input)
		unmarshalJSON(deps, &st.Deps)
		unmarshalJSON(guard, &st.Guard)
		unmarshalJSON(output, &st.Output)
		st.State = plan.StepState(state)
		st.StartedAt = startedAt.Int64
		st.EndedAt = endedAt.Int64
		st.Error = stepErr.String
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

// EventsForPlan returns the plan's transcript ordered by timestamp, with
// insertion order breaking ties.
func (s *Store) EventsForPlan(ctx context.Context, planID string) ([]*plan.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, step_id, ts, type, payload
		FROM events WHERE plan_id = ? ORDER BY ts, seq`, planID)
	if err != nil {
		return nil, fmt.Errorf("reading events for plan %s: %w", planID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []*plan.Event
	for rows.Next() {
		var ev plan.Event
		var stepID sql.NullString
		var typ, payload string
		if err := rows.Scan(&ev.ID, &ev.PlanID, &stepID, &ev.TS, &typ, &payload); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		ev.StepID = stepID.String
		ev.Type = plan.EventType(typ)
		unmarshalJSON(payload, &ev.Payload)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// EventsForStep returns the newest events attributed to one step, up to
// limit, oldest first.
func (s *Store) EventsForStep(ctx context.Context, planID, stepID string, limit int) ([]*plan.Event, error) {
	events, err := s.EventsForPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	var filtered []*plan.Event
	for _, ev := range events {
		if ev.StepID == stepID {
			filtered = append(filtered, ev)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered, nil
}

// ListPlans returns the newest plans (rows only, no steps), up to limit.
func (s *Store) ListPlans(ctx context.Context, limit int) ([]*plan.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, state, created_at, updated_at, budget, metadata
		FROM plans ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var plans []*plan.Plan
	for rows.Next() {
		var p plan.Plan
		var state, budget, metadata string
		if err := rows.Scan(&p.ID, &p.Title, &state, &p.CreatedAt, &p.UpdatedAt, &budget, &metadata); err != nil {
			return nil, fmt.Errorf("scanning plan row: %w", err)
		}
		p.State = plan.PlanState(state)
		unmarshalJSON(budget, &p.Budget)
		unmarshalJSON(metadata, &p.Metadata)
		plans = append(plans, &p)
	}
	return plans, rows.Err()
}

// FactPut stores a durable key/value fact.
func (s *Store) FactPut(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facts (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, plan.NowMillis())
	if err != nil {
		return fmt.Errorf("storing fact %s: %w", key, err)
	}
	return nil
}

// FactGet returns a fact value, or core.ErrNotFound.
func (s *Store) FactGet(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM facts WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("fact %s: %w", key, core.ErrNotFound)
	}
	return value, err
}

// JSON column helpers. Columns hold JSON text, never SQL NULL, so scans stay
// simple; a nil map or slice is stored as "null" and an empty column
// unmarshals to the zero value.

func marshalJSON(v interface{}) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalJSON(data string, v interface{}) {
	if data == "" {
		return
	}
	_ = json.Unmarshal([]byte(data), v)
}

func nullInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
