package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/flowrun/internal/catalog"
	"github.com/xiaot623/flowrun/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT PRIMARY KEY,
			idempotency_key TEXT UNIQUE,
			autonomy_level TEXT NOT NULL,
			status TEXT NOT NULL,
			request TEXT NOT NULL,
			error TEXT,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_created ON workflows(created_at)`,
		`CREATE TABLE IF NOT EXISTS step_results (
			workflow_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (workflow_id, step_id),
			FOREIGN KEY (workflow_id) REFERENCES workflows(workflow_id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			FOREIGN KEY (workflow_id) REFERENCES workflows(workflow_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_workflow ON events(workflow_id, ts)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (workflow_id) REFERENCES workflows(workflow_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_workflow ON checkpoints(workflow_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tools (
			tool_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			category TEXT,
			auth_method TEXT,
			auth_level TEXT NOT NULL DEFAULT 'catalog',
			display_name TEXT,
			docs_url TEXT,
			https_endpoint INTEGER NOT NULL DEFAULT 0,
			rate_limited INTEGER NOT NULL DEFAULT 0,
			encrypted_transit INTEGER NOT NULL DEFAULT 0,
			keywords TEXT,
			success_rate REAL,
			avg_latency_ms REAL,
			last_updated DATETIME
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Columns added after the first schema (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("tools", "usage_count", "ALTER TABLE tools ADD COLUMN usage_count INTEGER"); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_workflow_seq ON events(workflow_id, seq)`); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

const workflowColumns = `workflow_id, idempotency_key, autonomy_level, status, request, error, total_tokens, total_cost_usd, created_at, completed_at`

// CreateWorkflow inserts a new workflow record.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, rec *domain.WorkflowRecord) error {
	req, err := json.Marshal(rec.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, nullString(rec.IdempotencyKey), rec.AutonomyLevel, rec.Status, string(req), nullString(rec.Error),
		rec.TotalTokens, rec.TotalCostUSD, rec.CreatedAt, rec.CompletedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (*domain.WorkflowRecord, error) {
	var rec domain.WorkflowRecord
	var key, errMsg sql.NullString
	var req string
	var completedAt sql.NullTime
	if err := row.Scan(&rec.ID, &key, &rec.AutonomyLevel, &rec.Status, &req, &errMsg,
		&rec.TotalTokens, &rec.TotalCostUSD, &rec.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(req), &rec.Request); err != nil {
		return nil, fmt.Errorf("failed to decode request of workflow %s: %w", rec.ID, err)
	}
	rec.IdempotencyKey = key.String
	rec.Error = errMsg.String
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return &rec, nil
}

// GetWorkflow retrieves a workflow by ID.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, workflowID string) (*domain.WorkflowRecord, error) {
	rec, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = ?`, workflowID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// GetWorkflowByIdempotencyKey retrieves the workflow created with key.
func (s *SQLiteStore) GetWorkflowByIdempotencyKey(ctx context.Context, key string) (*domain.WorkflowRecord, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE idempotency_key = ?`, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListWorkflows lists workflows, newest first.
func (s *SQLiteStore) ListWorkflows(ctx context.Context, limit int) ([]domain.WorkflowRecord, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// UpdateWorkflowStatus updates the status and running totals of a workflow.
func (s *SQLiteStore) UpdateWorkflowStatus(ctx context.Context, workflowID string, status domain.RunStatus, tokens int, costUSD float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, total_tokens = ?, total_cost_usd = ?, error = NULL, completed_at = NULL WHERE workflow_id = ?`,
		status, tokens, costUSD, workflowID)
	return err
}

// UpdateWorkflowCompleted records the terminal state of a workflow.
func (s *SQLiteStore) UpdateWorkflowCompleted(ctx context.Context, workflowID string, status domain.RunStatus, tokens int, costUSD float64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, total_tokens = ?, total_cost_usd = ?, error = ?, completed_at = ? WHERE workflow_id = ?`,
		status, tokens, costUSD, nullString(errMsg), time.Now(), workflowID)
	return err
}

// UpsertStepResult stores the latest state of a step.
func (s *SQLiteStore) UpsertStepResult(ctx context.Context, workflowID string, res *domain.StepResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal step result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO step_results (workflow_id, step_id, status, result, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, step_id) DO UPDATE SET status = excluded.status, result = excluded.result, updated_at = excluded.updated_at`,
		workflowID, res.StepID, res.Status, string(data), time.Now())
	return err
}

// GetStepResults retrieves the stored step results of a workflow.
func (s *SQLiteStore) GetStepResults(ctx context.Context, workflowID string) ([]domain.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result FROM step_results WHERE workflow_id = ? ORDER BY step_id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.StepResult
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var res domain.StepResult
		if err := json.Unmarshal([]byte(data), &res); err != nil {
			return nil, fmt.Errorf("failed to decode step result: %w", err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// DeleteStepResults removes the stored step results of a workflow.
func (s *SQLiteStore) DeleteStepResults(ctx context.Context, workflowID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM step_results WHERE workflow_id = ?`, workflowID)
	return err
}

// CreateEvent creates a new event.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.StoredEvent) error {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, workflow_id, seq, ts, type, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID, event.WorkflowID, int64(event.Seq), event.Ts, event.Type, payload)
	return err
}

// GetEvents retrieves events for a workflow in insertion order.
func (s *SQLiteStore) GetEvents(ctx context.Context, workflowID string, afterSeq uint64, types []string, limit int) ([]domain.StoredEvent, error) {
	query := `SELECT event_id, workflow_id, seq, ts, type, payload FROM events WHERE workflow_id = ?`
	args := []interface{}{workflowID}

	if afterSeq > 0 {
		query += ` AND seq > ?`
		args = append(args, int64(afterSeq))
	}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.StoredEvent
	for rows.Next() {
		var event domain.StoredEvent
		var seq int64
		var payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.WorkflowID, &seq, &event.Ts, &event.Type, &payload); err != nil {
			return nil, err
		}
		event.Seq = uint64(seq)
		if payload.Valid && payload.String != "" {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// CreateCheckpoint stores a checkpoint marker with its result snapshot.
func (s *SQLiteStore) CreateCheckpoint(ctx context.Context, workflowID string, cp *domain.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (checkpoint_id, workflow_id, sequence, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		cp.ID, workflowID, cp.Sequence, string(data), cp.CreatedAt)
	return err
}

// GetLatestCheckpoint returns the most recent checkpoint of a workflow.
func (s *SQLiteStore) GetLatestCheckpoint(ctx context.Context, workflowID string) (*domain.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM checkpoints WHERE workflow_id = ? ORDER BY rowid DESC LIMIT 1`,
		workflowID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &cp, nil
}

const toolColumns = `tool_id, name, category, auth_method, auth_level, display_name, docs_url, https_endpoint, rate_limited, encrypted_transit, keywords, success_rate, avg_latency_ms, usage_count, last_updated`

// UpsertTool creates or replaces a catalog row.
func (s *SQLiteStore) UpsertTool(ctx context.Context, row *catalog.Row) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tools (`+toolColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Name, nullString(row.Category), nullString(row.AuthMethod), row.AuthLevel,
		nullString(row.DisplayName), nullString(row.DocsURL), row.HTTPSEndpoint, row.RateLimited, row.EncryptedTransit,
		nullString(row.Keywords), row.SuccessRate, row.AvgLatencyMs, row.UsageCount, row.LastUpdated)
	return err
}

func scanTool(row rowScanner) (*catalog.Row, error) {
	var r catalog.Row
	var category, authMethod, displayName, docsURL, keywords sql.NullString
	if err := row.Scan(&r.ID, &r.Name, &category, &authMethod, &r.AuthLevel, &displayName, &docsURL,
		&r.HTTPSEndpoint, &r.RateLimited, &r.EncryptedTransit, &keywords,
		&r.SuccessRate, &r.AvgLatencyMs, &r.UsageCount, &r.LastUpdated); err != nil {
		return nil, err
	}
	r.Category = category.String
	r.AuthMethod = authMethod.String
	r.DisplayName = displayName.String
	r.DocsURL = docsURL.String
	r.Keywords = keywords.String
	return &r, nil
}

// GetTool retrieves a catalog row by ID.
func (s *SQLiteStore) GetTool(ctx context.Context, id string) (*catalog.Row, error) {
	r, err := scanTool(s.db.QueryRowContext(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE tool_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListTools lists all catalog rows.
func (s *SQLiteStore) ListTools(ctx context.Context) ([]catalog.Row, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+toolColumns+` FROM tools ORDER BY tool_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tools []catalog.Row
	for rows.Next() {
		r, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, *r)
	}
	return tools, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
