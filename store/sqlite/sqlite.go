// Package sqlite implements the store contracts using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aikaara/assembly-lime/model"
	"github.com/aikaara/assembly-lime/store"
)

// Store manages run, event, message, snapshot and approval persistence in SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ store.JobStore    = (*Store)(nil)
	_ store.EventStore  = (*Store)(nil)
	_ store.RecordStore = (*Store)(nil)
)

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serializes writers, so per-run sequence numbers are
	// assigned without SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL DEFAULT '',
			project_id       TEXT NOT NULL DEFAULT '',
			provider         TEXT NOT NULL,
			model            TEXT NOT NULL DEFAULT '',
			mode             TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'queued',
			input_prompt     TEXT NOT NULL,
			resolved_prompt  TEXT NOT NULL DEFAULT '',
			repo             TEXT NOT NULL DEFAULT '',
			candidates       TEXT NOT NULL DEFAULT '',
			extra_repos      TEXT NOT NULL DEFAULT '',
			time_budget_ms   INTEGER NOT NULL DEFAULT 0,
			max_turns        INTEGER NOT NULL DEFAULT 0,
			max_cost_usd     REAL NOT NULL DEFAULT 0,
			sandbox_provider TEXT NOT NULL DEFAULT '',
			sandbox_id       TEXT NOT NULL DEFAULT '',
			repo_dir         TEXT NOT NULL DEFAULT '',
			branch           TEXT NOT NULL DEFAULT '',
			pr_url           TEXT NOT NULL DEFAULT '',
			pr_number        INTEGER NOT NULL DEFAULT 0,
			preview_url      TEXT NOT NULL DEFAULT '',
			tasks            TEXT NOT NULL DEFAULT '',
			error            TEXT NOT NULL DEFAULT '',
			turns            INTEGER NOT NULL DEFAULT 0,
			cost_usd         REAL NOT NULL DEFAULT 0,
			started_at       DATETIME,
			created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

		CREATE TABLE IF NOT EXISTS run_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_run_seq
			ON run_events(run_id, seq);

		CREATE TABLE IF NOT EXISTS user_messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			text       TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		);

		CREATE INDEX IF NOT EXISTS idx_user_messages_run_id
			ON user_messages(run_id);

		CREATE TABLE IF NOT EXISTS snapshots (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id               TEXT NOT NULL,
			turn                 INTEGER NOT NULL,
			messages             TEXT NOT NULL,
			tasks                TEXT NOT NULL DEFAULT '',
			follow_up_count      INTEGER NOT NULL DEFAULT 0,
			last_user_message_id INTEGER NOT NULL DEFAULT 0,
			created_at           DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_run_id
			ON snapshots(run_id);

		CREATE TABLE IF NOT EXISTS records (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			kind       TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_records_run_kind
			ON records(run_id, kind);

		CREATE TABLE IF NOT EXISTS approval_waits (
			run_id      TEXT PRIMARY KEY,
			deadline    DATETIME NOT NULL,
			decision    TEXT NOT NULL DEFAULT 'pending',
			reason      TEXT NOT NULL DEFAULT '',
			created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
			resolved_at DATETIME
		);
	`)
	if err != nil {
		return err
	}

	// Columns added after the first release (idempotent).
	_, _ = db.Exec(`ALTER TABLE runs ADD COLUMN preview_url TEXT NOT NULL DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE runs ADD COLUMN cost_usd REAL NOT NULL DEFAULT 0`)

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const runColumns = `id, tenant_id, project_id, provider, model, mode, status, input_prompt,
	resolved_prompt, repo, candidates, extra_repos, time_budget_ms, max_turns, max_cost_usd,
	sandbox_provider, sandbox_id, repo_dir, branch, pr_url, pr_number, preview_url, tasks,
	error, turns, cost_usd, started_at, created_at, updated_at`

var terminalList = fmt.Sprintf("'%s','%s','%s'",
	model.StatusCompleted, model.StatusFailed, model.StatusCancelled)

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	if run.Status == "" {
		run.Status = model.StatusQueued
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt
	f, err := encodeRunFields(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, run.ProjectID, run.Provider, run.Model, run.Mode, run.Status,
		run.InputPrompt, run.ResolvedPrompt, f.repo, f.candidates, f.extraRepos,
		run.TimeBudget.Milliseconds(), run.MaxTurns, run.MaxCostUSD,
		run.SandboxProvider, run.SandboxID, run.RepoDir, run.Branch, run.PRURL, run.PRNumber,
		run.PreviewURL, f.tasks, run.Error, run.Turns, run.CostUSD, nullTime(run.StartedAt),
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, model.ErrNotFound)
	}
	return run, err
}

// ListRuns returns runs ordered by creation time (newest first).
func (s *Store) ListRuns(ctx context.Context, opts store.ListOptions) ([]*model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if len(opts.Statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(", ?", len(opts.Statuses)-1) + `)`
		for _, st := range opts.Statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRun updates mutable fields of a run. A terminal run keeps its status.
func (s *Store) UpdateRun(ctx context.Context, run *model.Run) error {
	run.UpdatedAt = time.Now().UTC()
	f, err := encodeRunFields(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET
			status = ?, resolved_prompt = ?, repo = ?, extra_repos = ?, sandbox_provider = ?,
			sandbox_id = ?, repo_dir = ?, branch = ?, pr_url = ?, pr_number = ?, preview_url = ?,
			tasks = ?, error = ?, turns = ?, cost_usd = ?, started_at = ?, updated_at = ?
		 WHERE id = ? AND (status NOT IN (`+terminalList+`) OR status = ?)`,
		run.Status, run.ResolvedPrompt, f.repo, f.extraRepos, run.SandboxProvider,
		run.SandboxID, run.RepoDir, run.Branch, run.PRURL, run.PRNumber, run.PreviewURL,
		f.tasks, run.Error, run.Turns, run.CostUSD, nullTime(run.StartedAt), run.UpdatedAt,
		run.ID, run.Status,
	)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", run.ID, err)
	}
	return s.checkUpdated(ctx, res, run.ID)
}

// SetStatus moves a run to status unless it is already terminal.
func (s *Store) SetStatus(ctx context.Context, id string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ?
		 WHERE id = ? AND (status NOT IN (`+terminalList+`) OR status = ?)`,
		status, time.Now().UTC(), id, status,
	)
	if err != nil {
		return fmt.Errorf("setting status of run %s: %w", id, err)
	}
	return s.checkUpdated(ctx, res, id)
}

func (s *Store) checkUpdated(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("run %s is %s: %w", id, status, model.ErrTerminal)
}

// --- Events ---

// AddEvent appends an event, assigning the next sequence number for its run.
func (s *Store) AddEvent(ctx context.Context, env *model.Envelope) error {
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO run_events (run_id, seq, kind, payload, created_at)
		 SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ? FROM run_events WHERE run_id = ?
		 RETURNING id, seq`,
		env.RunID, env.Kind, string(env.Payload), env.CreatedAt, env.RunID,
	).Scan(&env.ID, &env.Seq)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// Events returns a run's events with seq greater than afterSeq.
func (s *Store) Events(ctx context.Context, runID string, afterSeq int64) ([]*model.Envelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, seq, kind, payload, created_at
		 FROM run_events
		 WHERE run_id = ? AND seq > ?
		 ORDER BY seq ASC`,
		runID, afterSeq,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.Envelope
	for rows.Next() {
		e := &model.Envelope{}
		var payload string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &e.Kind, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Follow-up messages ---

// AddUserMessage stores a follow-up instruction.
func (s *Store) AddUserMessage(ctx context.Context, runID, text string) (*model.UserMessage, error) {
	msg := &model.UserMessage{RunID: runID, Text: text, CreatedAt: time.Now().UTC()}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO user_messages (run_id, text, created_at) VALUES (?, ?, ?)`,
		msg.RunID, msg.Text, msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting user message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// PendingUserMessages returns messages with ID greater than afterID in arrival order.
func (s *Store) PendingUserMessages(ctx context.Context, runID string, afterID int64) ([]model.UserMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, text, created_at
		 FROM user_messages
		 WHERE run_id = ? AND id > ?
		 ORDER BY id ASC`,
		runID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.UserMessage
	for rows.Next() {
		var m model.UserMessage
		if err := rows.Scan(&m.ID, &m.RunID, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Snapshots ---

// SaveSnapshot stores a checkpoint in a single statement.
func (s *Store) SaveSnapshot(ctx context.Context, snap *model.SessionSnapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	tasks, err := encodeJSON(snap.Tasks)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (run_id, turn, messages, tasks, follow_up_count, last_user_message_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.RunID, snap.Turn, string(snap.Messages), tasks, snap.FollowUpCount,
		snap.LastUserMessageID, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot of a run.
func (s *Store) LatestSnapshot(ctx context.Context, runID string) (*model.SessionSnapshot, error) {
	snap := &model.SessionSnapshot{}
	var messages, tasks string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, turn, messages, tasks, follow_up_count, last_user_message_id, created_at
		 FROM snapshots WHERE run_id = ?
		 ORDER BY id DESC LIMIT 1`, runID,
	).Scan(&snap.RunID, &snap.Turn, &messages, &tasks, &snap.FollowUpCount,
		&snap.LastUserMessageID, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot for run %s: %w", runID, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	snap.Messages = json.RawMessage(messages)
	if err := decodeJSON(tasks, &snap.Tasks); err != nil {
		return nil, err
	}
	return snap, nil
}

// --- Records ---

// AddRecord stores a structured record.
func (s *Store) AddRecord(ctx context.Context, runID string, kind model.RecordKind, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (run_id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		runID, kind, string(payload), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting %s record: %w", kind, err)
	}
	return nil
}

// Records returns the payloads of a run's records of one kind, oldest first.
func (s *Store) Records(ctx context.Context, runID string, kind model.RecordKind) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM records WHERE run_id = ? AND kind = ? ORDER BY id ASC`,
		runID, kind,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(p))
	}
	return out, rows.Err()
}

// --- Approval waits ---

// CreateApprovalWait records a pending approval, replacing any earlier wait.
func (s *Store) CreateApprovalWait(ctx context.Context, w *model.ApprovalWait) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	w.Decision = model.DecisionPending
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO approval_waits (run_id, deadline, decision, reason, created_at, resolved_at)
		 VALUES (?, ?, ?, '', ?, NULL)`,
		w.RunID, w.Deadline.UTC(), w.Decision, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting approval wait: %w", err)
	}
	return nil
}

// ResolveApprovalWait records the decision of a pending wait.
func (s *Store) ResolveApprovalWait(ctx context.Context, runID string, decision model.ApprovalDecision, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_waits SET decision = ?, reason = ?, resolved_at = ?
		 WHERE run_id = ? AND decision = ?`,
		decision, reason, time.Now().UTC(), runID, model.DecisionPending,
	)
	if err != nil {
		return fmt.Errorf("resolving approval wait: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("pending approval for run %s: %w", runID, model.ErrNotFound)
	}
	return nil
}

// PendingApprovalWaits returns every unresolved wait, earliest deadline first.
func (s *Store) PendingApprovalWaits(ctx context.Context) ([]*model.ApprovalWait, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, deadline, decision, reason, created_at
		 FROM approval_waits WHERE decision = ?
		 ORDER BY deadline ASC`, model.DecisionPending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var waits []*model.ApprovalWait
	for rows.Next() {
		w := &model.ApprovalWait{}
		if err := rows.Scan(&w.RunID, &w.Deadline, &w.Decision, &w.Reason, &w.CreatedAt); err != nil {
			return nil, err
		}
		waits = append(waits, w)
	}
	return waits, rows.Err()
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	run := &model.Run{}
	var repo, candidates, extraRepos, tasks string
	var budgetMS int64
	var startedAt sql.NullTime
	err := row.Scan(
		&run.ID, &run.TenantID, &run.ProjectID, &run.Provider, &run.Model, &run.Mode,
		&run.Status, &run.InputPrompt, &run.ResolvedPrompt, &repo, &candidates, &extraRepos,
		&budgetMS, &run.MaxTurns, &run.MaxCostUSD, &run.SandboxProvider, &run.SandboxID,
		&run.RepoDir, &run.Branch, &run.PRURL, &run.PRNumber, &run.PreviewURL, &tasks,
		&run.Error, &run.Turns, &run.CostUSD, &startedAt, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.TimeBudget = time.Duration(budgetMS) * time.Millisecond
	if startedAt.Valid {
		run.StartedAt = startedAt.Time
	}
	if repo != "" {
		run.Repo = &model.RepoTarget{}
		if err := decodeJSON(repo, run.Repo); err != nil {
			return nil, err
		}
	}
	if err := decodeJSON(candidates, &run.Candidates); err != nil {
		return nil, err
	}
	if err := decodeJSON(extraRepos, &run.ExtraRepos); err != nil {
		return nil, err
	}
	if err := decodeJSON(tasks, &run.Tasks); err != nil {
		return nil, err
	}
	return run, nil
}

type runFields struct {
	repo, candidates, extraRepos, tasks string
}

func encodeRunFields(run *model.Run) (runFields, error) {
	var f runFields
	var err error
	if run.Repo != nil {
		if f.repo, err = encodeJSON(run.Repo); err != nil {
			return f, err
		}
	}
	if f.candidates, err = encodeJSON(run.Candidates); err != nil {
		return f, err
	}
	if f.extraRepos, err = encodeJSON(run.ExtraRepos); err != nil {
		return f, err
	}
	if f.tasks, err = encodeJSON(run.Tasks); err != nil {
		return f, err
	}
	return f, nil
}

// encodeJSON stores empty slices as an empty column.
func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding column: %w", err)
	}
	if s := string(b); s != "null" && s != "[]" {
		return s, nil
	}
	return "", nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("decoding column: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
