// Package claude runs the external coding-agent binary for a single turn and
// translates its stream-json output into channel messages.
package claude

import (
	"context"
	"time"

	"foreman/pkg/channel"
	"foreman/pkg/session"
)

// Request describes one turn. AgentSessionID resumes an existing agent
// conversation; when empty, PreSessionID (pre-generated by the caller and
// already persisted) names the fresh conversation so a concurrent lookup never
// observes an unknown id.
type Request struct {
	Prompt         string
	ThreadID       string
	Out            *channel.Endpoint
	AgentSessionID string
	PreSessionID   string
	WorkDir        string
	MaxTurns       int
	MaxSpendUSD    float64
	Verbosity      string
}

// Result is the terminal record of one turn.
type Result struct {
	AgentSessionID string
	Text           string
	QuestionAsked  bool
	Success        bool
	CostUSD        float64
	Duration       time.Duration
	NumTurns       int
	Usage          session.Usage
}

// Runner is the orchestrator's view of a turn executor. The production
// implementation spawns the agent binary; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, req *Request) (*Result, error)
}
