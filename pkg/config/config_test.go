package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agent_binary: my-agent
max_review_rounds: 5
max_spend_usd: 1.25
restart_grace: 10s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "my-agent", cfg.AgentBinary)
	assert.Equal(t, 5, cfg.MaxReviewRounds)
	assert.InDelta(t, 1.25, cfg.MaxSpendUSD, 1e-9)
	assert.Equal(t, 10*time.Second, cfg.RestartGrace)
	// Untouched fields keep their defaults.
	assert.Equal(t, "foreman.db", cfg.DBPath)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent_binary: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"empty binary":   func(c *Config) { c.AgentBinary = "" },
		"empty db path":  func(c *Config) { c.DBPath = "" },
		"zero rounds":    func(c *Config) { c.MaxReviewRounds = 0 },
		"negative spend": func(c *Config) { c.MaxSpendUSD = -1 },
		"negative grace": func(c *Config) { c.RestartGrace = -time.Second },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.validate())
		})
	}
}
