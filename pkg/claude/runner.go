package claude

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"foreman/pkg/logx"
	"foreman/pkg/proto"
)

// CLIRunner spawns the agent binary once per turn and streams its output to
// the request's channel endpoint. It has no side effects beyond spawning the
// process and sending messages.
type CLIRunner struct {
	bin    string
	logger *logx.Logger
}

// NewCLIRunner resolves the agent binary on PATH once; the resolved path is
// owned by the runner rather than looked up globally.
func NewCLIRunner(binary string) (*CLIRunner, error) {
	if binary == "" {
		binary = "claude"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("agent binary %q not found: %w", binary, err)
	}
	return &CLIRunner{bin: path, logger: logx.NewLogger("claude")}, nil
}

// Run executes one turn. Exactly one done message is sent after the process
// exits, regardless of outcome; a pending question does not keep the turn
// open. The returned error covers spawn failures only; agent-level failures
// are reported through the Result and the message stream.
func (r *CLIRunner) Run(ctx context.Context, req *Request) (*Result, error) {
	args := r.buildArgs(req)

	cmd := exec.CommandContext(ctx, r.bin, args...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	if req.AgentSessionID != "" {
		r.logger.Info("Resuming agent session %s (thread %s)", req.AgentSessionID, req.ThreadID)
	} else {
		r.logger.Info("Starting agent session %s (thread %s)", req.PreSessionID, req.ThreadID)
	}

	parser := newTurnParser(req.Out, req.ThreadID, req.Verbosity, r.logger)

	// The scanner buffers partial lines across reads; only complete lines
	// reach the parser. Tool inputs can be large, so the cap is generous.
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		parser.parseLine(scanner.Text())
	}
	if scanErr := scanner.Err(); scanErr != nil {
		r.logger.Warn("Agent stream read error: %v", scanErr)
	}

	waitErr := cmd.Wait()
	if waitErr != nil && !parser.sawResult {
		r.logger.Error("Agent process failed without result: %v stderr=%s", waitErr, stderr.String())
		req.Out.Send(req.ThreadID, proto.ErrorMsg(fmt.Sprintf("agent process failed: %v", waitErr)))
		parser.result.Success = false
	}

	// Turn terminator. Sent even when a question is pending: the turn still
	// closes and the session is left awaiting the user's reply.
	req.Out.Send(req.ThreadID, proto.DoneMsg())

	result := parser.result
	result.QuestionAsked = parser.questionAsked
	result.AgentSessionID = parser.agentSessionID
	if result.AgentSessionID == "" {
		if req.AgentSessionID != "" {
			result.AgentSessionID = req.AgentSessionID
		} else {
			result.AgentSessionID = req.PreSessionID
		}
	}

	r.logger.Info("Agent turn complete: session=%s success=%t question=%t turns=%d cost=%.4f",
		result.AgentSessionID, result.Success, result.QuestionAsked, result.NumTurns, result.CostUSD)

	return &result, nil
}

// buildArgs constructs the agent command line. In print mode --resume requires
// the session id as its argument; fresh conversations pass the pre-generated
// id via --session-id so the very first turn is already resumable.
func (r *CLIRunner) buildArgs(req *Request) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}

	if req.AgentSessionID != "" {
		args = append(args, "--resume", req.AgentSessionID)
	} else if req.PreSessionID != "" {
		args = append(args, "--session-id", req.PreSessionID)
	}

	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if req.MaxSpendUSD > 0 {
		args = append(args, "--max-spend", strconv.FormatFloat(req.MaxSpendUSD, 'f', 2, 64))
	}

	// Separator guards against prompts that begin with a dash.
	args = append(args, "--", req.Prompt)
	return args
}
