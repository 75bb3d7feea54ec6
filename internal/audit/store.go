// Package audit persists guardrail decisions to a local SQLite database so
// admins can answer "what did the agent try to run, and who approved it".
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/aymenfurter/toolgate/internal/observability"
)

// Decision is one recorded guardrail outcome.
type Decision struct {
	ID               string    `json:"id"`
	Time             time.Time `json:"time"`
	ToolCallID       string    `json:"tool_call_id"`
	ToolName         string    `json:"tool_name"`
	MCPServer        string    `json:"mcp_server,omitempty"`
	ExecutionContext string    `json:"execution_context"`
	Model            string    `json:"model,omitempty"`
	Strategy         string    `json:"strategy"`
	Allowed          bool      `json:"allowed"`
	Reason           string    `json:"reason,omitempty"`
	Channel          string    `json:"channel,omitempty"`
}

// Store is a SQLite-backed decision log.
type Store struct {
	db *sql.DB
}

// Open creates or opens the decision log at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open decision log: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			time DATETIME NOT NULL,
			tool_call_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			mcp_server TEXT,
			execution_context TEXT NOT NULL,
			model TEXT,
			strategy TEXT NOT NULL,
			allowed INTEGER NOT NULL,
			reason TEXT,
			channel TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create decisions table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_decisions_time ON decisions(time)",
		"CREATE INDEX IF NOT EXISTS idx_decisions_tool ON decisions(tool_name)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Record inserts one decision. Write failures are returned but callers are
// expected to log and continue: an audit outage must not block tool use.
func (s *Store) Record(ctx context.Context, d Decision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Time.IsZero() {
		d.Time = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, time, tool_call_id, tool_name, mcp_server, execution_context, model, strategy, allowed, reason, channel)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Time, d.ToolCallID, d.ToolName, d.MCPServer, d.ExecutionContext, d.Model, d.Strategy, boolToInt(d.Allowed), d.Reason, d.Channel)
	observability.RecordAuditWrite(err)
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// Recent returns the newest decisions, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, time, tool_call_id, tool_name, mcp_server, execution_context, model, strategy, allowed, reason, channel
		FROM decisions ORDER BY time DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var allowed int
		if err := rows.Scan(&d.ID, &d.Time, &d.ToolCallID, &d.ToolName, &d.MCPServer,
			&d.ExecutionContext, &d.Model, &d.Strategy, &allowed, &d.Reason, &d.Channel); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.Allowed = allowed != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// Purge deletes decisions older than the cutoff and returns the number
// removed. The retention janitor calls this on a schedule.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM decisions WHERE time < ?", olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge decisions: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return errors.New("audit: store not open")
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
