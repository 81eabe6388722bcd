// Package session provides the durable session model and its SQLite-backed store.
package session

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested session does not exist.
var ErrNotFound = errors.New("session not found")

// Usage accumulates token and runtime totals across a session's turns,
// including reviewer and coder turns run on its behalf.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens"`
	CacheWriteTokens int64 `json:"cache_write_tokens"`
	DurationMS       int64 `json:"duration_ms"`
	Turns            int64 `json:"turns"`
	CostUSD          float64 `json:"cost_usd"`
}

// Add folds another usage record into the receiver.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
	u.DurationMS += other.DurationMS
	u.Turns += other.Turns
	u.CostUSD += other.CostUSD
}

// Worktree describes the isolated checkout a session's agent edits in.
type Worktree struct {
	RepoRoot string `json:"repo_root"`
	Branch   string `json:"branch"`
	Path     string `json:"path"`
}

// Session is the durable per-conversation record. ThreadID is the
// transport-defined routing key and is globally unique across transports.
// AgentSessionID is the external agent's resumable-conversation handle; it is
// empty until the first turn persists a pre-generated id.
type Session struct {
	ID             string            `json:"id"`
	ThreadID       string            `json:"thread_id"`
	Channel        string            `json:"channel"`
	AgentSessionID string            `json:"agent_session_id,omitempty"`
	ProjectDir     string            `json:"project_dir"`
	Name           string            `json:"name"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActiveAt   time.Time         `json:"last_active_at"`
	Usage          Usage             `json:"usage"`
	Verbosity      string            `json:"verbosity"`
	Worktree       *Worktree         `json:"worktree,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Verbosity levels. Verbose forwards tool calls and results to the transport;
// quiet forwards only final text.
const (
	VerbosityQuiet   = "quiet"
	VerbosityNormal  = "normal"
	VerbosityVerbose = "verbose"
)

// Store is the synchronous, immediately durable session registry.
type Store interface {
	Create(s *Session) error
	GetByID(id string) (*Session, error)
	GetByThread(threadID string) (*Session, error)
	List() ([]*Session, error)
	UpdateAgentSessionID(id, agentSessionID string) error
	UpdateVerbosity(id, verbosity string) error
	Touch(id string) error
	AddUsage(id string, u Usage) error
	Reset(id string) error
	Delete(id string) error
	EnableWorktree(id string, wt Worktree) error
	DisableWorktree(id string) error
}
