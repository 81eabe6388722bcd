package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"foreman/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL UNIQUE,
	channel TEXT NOT NULL DEFAULT '',
	agent_session_id TEXT,
	project_dir TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	last_active_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	cache_write_tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	turns INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0.0,
	verbosity TEXT NOT NULL DEFAULT 'normal',
	worktree_repo_root TEXT,
	worktree_branch TEXT,
	worktree_path TEXT,
	metadata_json TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_sessions_thread ON sessions(thread_id);
`

// SQLiteStore implements Store on a SQLite database. SQLite supports a single
// writer, so the pool is capped at one connection.
type SQLiteStore struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if necessary) the session database at path. Use
// ":memory:" for tests.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping session database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteStore{db: db, logger: logx.NewLogger("session-store")}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close session database: %w", err)
	}
	return nil
}

// Create inserts a new session row. CreatedAt and LastActiveAt are assigned by
// the database.
func (s *SQLiteStore) Create(sess *Session) error {
	metadata := sess.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	verbosity := sess.Verbosity
	if verbosity == "" {
		verbosity = VerbosityNormal
	}

	var wtRoot, wtBranch, wtPath *string
	if sess.Worktree != nil {
		wtRoot, wtBranch, wtPath = &sess.Worktree.RepoRoot, &sess.Worktree.Branch, &sess.Worktree.Path
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (
			id, thread_id, channel, agent_session_id, project_dir, name,
			verbosity, worktree_repo_root, worktree_branch, worktree_path, metadata_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.ThreadID, sess.Channel, nullable(sess.AgentSessionID),
		sess.ProjectDir, sess.Name, verbosity, wtRoot, wtBranch, wtPath, string(metadataJSON))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Debug("Created session %s (thread %s)", sess.ID, sess.ThreadID)
	return nil
}

// GetByID returns the session with the given id, or ErrNotFound.
func (s *SQLiteStore) GetByID(id string) (*Session, error) {
	return s.getWhere("id = ?", id)
}

// GetByThread returns the session routed by the given thread id, or ErrNotFound.
func (s *SQLiteStore) GetByThread(threadID string) (*Session, error) {
	return s.getWhere("thread_id = ?", threadID)
}

// List returns all sessions ordered by creation time.
func (s *SQLiteStore) List() ([]*Session, error) {
	rows, err := s.db.Query(selectColumns + ` FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// UpdateAgentSessionID persists the external agent's conversation handle.
func (s *SQLiteStore) UpdateAgentSessionID(id, agentSessionID string) error {
	return s.exec(`UPDATE sessions SET agent_session_id = ? WHERE id = ?`, agentSessionID, id)
}

// UpdateVerbosity sets the session's verbosity level.
func (s *SQLiteStore) UpdateVerbosity(id, verbosity string) error {
	return s.exec(`UPDATE sessions SET verbosity = ? WHERE id = ?`, verbosity, id)
}

// Touch advances last_active_at to now.
func (s *SQLiteStore) Touch(id string) error {
	return s.exec(`
		UPDATE sessions SET last_active_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?`, id)
}

// AddUsage folds a turn's usage into the session totals.
func (s *SQLiteStore) AddUsage(id string, u Usage) error {
	return s.exec(`
		UPDATE sessions SET
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			cache_read_tokens = cache_read_tokens + ?,
			cache_write_tokens = cache_write_tokens + ?,
			duration_ms = duration_ms + ?,
			turns = turns + ?,
			cost_usd = cost_usd + ?
		WHERE id = ?
	`, u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheWriteTokens,
		u.DurationMS, u.Turns, u.CostUSD, id)
}

// Reset clears the agent conversation handle and usage counters while leaving
// identity fields (id, thread id, project dir) untouched. The next turn starts
// a fresh agent conversation.
func (s *SQLiteStore) Reset(id string) error {
	return s.exec(`
		UPDATE sessions SET
			agent_session_id = NULL,
			input_tokens = 0, output_tokens = 0,
			cache_read_tokens = 0, cache_write_tokens = 0,
			duration_ms = 0, turns = 0, cost_usd = 0.0
		WHERE id = ?`, id)
}

// Delete removes a session. Callers must release any worktree first.
func (s *SQLiteStore) Delete(id string) error {
	return s.exec(`DELETE FROM sessions WHERE id = ?`, id)
}

// EnableWorktree records the session's worktree descriptor.
func (s *SQLiteStore) EnableWorktree(id string, wt Worktree) error {
	return s.exec(`
		UPDATE sessions SET worktree_repo_root = ?, worktree_branch = ?, worktree_path = ?
		WHERE id = ?`, wt.RepoRoot, wt.Branch, wt.Path, id)
}

// DisableWorktree clears the worktree descriptor after the worktree directory
// has been removed.
func (s *SQLiteStore) DisableWorktree(id string) error {
	return s.exec(`
		UPDATE sessions SET worktree_repo_root = NULL, worktree_branch = NULL, worktree_path = NULL
		WHERE id = ?`, id)
}

const selectColumns = `
	SELECT id, thread_id, channel, agent_session_id, project_dir, name,
		created_at, last_active_at,
		input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
		duration_ms, turns, cost_usd, verbosity,
		worktree_repo_root, worktree_branch, worktree_path, metadata_json`

func (s *SQLiteStore) getWhere(where string, arg any) (*Session, error) {
	//nolint:gosec // where clauses are hardcoded above, not user input
	row := s.db.QueryRow(selectColumns+` FROM sessions WHERE `+where, arg)
	return scanSession(row)
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var agentSessionID, wtRoot, wtBranch, wtPath sql.NullString
	var createdAt, lastActiveAt, metadataJSON string

	err := row.Scan(&sess.ID, &sess.ThreadID, &sess.Channel, &agentSessionID,
		&sess.ProjectDir, &sess.Name, &createdAt, &lastActiveAt,
		&sess.Usage.InputTokens, &sess.Usage.OutputTokens,
		&sess.Usage.CacheReadTokens, &sess.Usage.CacheWriteTokens,
		&sess.Usage.DurationMS, &sess.Usage.Turns, &sess.Usage.CostUSD,
		&sess.Verbosity, &wtRoot, &wtBranch, &wtPath, &metadataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	// Timestamps are stored as RFC3339 text by strftime.
	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at %q: %w", createdAt, err)
	}
	if sess.LastActiveAt, err = time.Parse(time.RFC3339, lastActiveAt); err != nil {
		return nil, fmt.Errorf("failed to parse last_active_at %q: %w", lastActiveAt, err)
	}

	if agentSessionID.Valid {
		sess.AgentSessionID = agentSessionID.String
	}
	if wtRoot.Valid && wtBranch.Valid && wtPath.Valid {
		sess.Worktree = &Worktree{RepoRoot: wtRoot.String, Branch: wtBranch.String, Path: wtPath.String}
	}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session metadata: %w", err)
		}
	}

	return &sess, nil
}

func (s *SQLiteStore) exec(query string, args ...any) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
