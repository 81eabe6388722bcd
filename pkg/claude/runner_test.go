package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/pkg/logx"
)

func testRunner() *CLIRunner {
	return &CLIRunner{bin: "/usr/bin/claude", logger: logx.NewLogger("claude-test")}
}

func TestBuildArgs_FreshConversation(t *testing.T) {
	r := testRunner()

	args := r.buildArgs(&Request{
		Prompt:       "fix the flaky test",
		PreSessionID: "pre-123",
	})

	assert.Equal(t, []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--session-id", "pre-123",
		"--", "fix the flaky test",
	}, args)
}

func TestBuildArgs_ResumeWinsOverPreSession(t *testing.T) {
	r := testRunner()

	args := r.buildArgs(&Request{
		Prompt:         "continue",
		AgentSessionID: "agent-abc",
		PreSessionID:   "pre-123",
	})

	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "agent-abc")
	assert.NotContains(t, args, "--session-id")
	assert.NotContains(t, args, "pre-123")
}

func TestBuildArgs_Caps(t *testing.T) {
	r := testRunner()

	args := r.buildArgs(&Request{
		Prompt:      "do it",
		MaxTurns:    10,
		MaxSpendUSD: 2.5,
	})

	assert.Contains(t, args, "--max-turns")
	assert.Contains(t, args, "10")
	assert.Contains(t, args, "--max-spend")
	assert.Contains(t, args, "2.50")
}

func TestBuildArgs_PromptAlwaysLastAfterSeparator(t *testing.T) {
	r := testRunner()

	args := r.buildArgs(&Request{Prompt: "--weird prompt"})

	require.GreaterOrEqual(t, len(args), 2)
	assert.Equal(t, "--", args[len(args)-2])
	assert.Equal(t, "--weird prompt", args[len(args)-1])
}

func TestNewCLIRunner_MissingBinary(t *testing.T) {
	_, err := NewCLIRunner("definitely-not-a-real-binary-xyz")
	assert.Error(t, err)
}
