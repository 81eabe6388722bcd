// Package config loads orchestrator settings from a YAML file, falling back
// to defaults when the file is absent.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the orchestrator reads at startup.
type Config struct {
	// AgentBinary is the coding-agent CLI to spawn for each turn.
	AgentBinary string `yaml:"agent_binary"`

	// DBPath is the SQLite database file for session state.
	DBPath string `yaml:"db_path"`

	// WorktreeBaseDir is where per-session git worktrees are created.
	WorktreeBaseDir string `yaml:"worktree_base_dir"`

	// MaxReviewRounds bounds the reviewer/coder loop per review cycle.
	MaxReviewRounds int `yaml:"max_review_rounds"`

	// MaxTurns caps agent-internal turns within one orchestrator turn.
	// Zero means no cap is passed to the agent.
	MaxTurns int `yaml:"max_turns"`

	// MaxSpendUSD caps agent spend per turn. Zero means no cap.
	MaxSpendUSD float64 `yaml:"max_spend_usd"`

	// RestartGrace is how long in-flight turns get to finish before a
	// requested restart proceeds anyway.
	RestartGrace time.Duration `yaml:"restart_grace"`

	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		AgentBinary:     "claude",
		DBPath:          "foreman.db",
		WorktreeBaseDir: os.TempDir(),
		MaxReviewRounds: 3,
		RestartGrace:    30 * time.Second,
	}
}

// Load reads path and overlays it on the defaults. A missing file is not an
// error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AgentBinary == "" {
		return fmt.Errorf("agent_binary must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.MaxReviewRounds < 1 {
		return fmt.Errorf("max_review_rounds must be at least 1, got %d", c.MaxReviewRounds)
	}
	if c.MaxSpendUSD < 0 {
		return fmt.Errorf("max_spend_usd must not be negative")
	}
	if c.RestartGrace < 0 {
		return fmt.Errorf("restart_grace must not be negative")
	}
	return nil
}
