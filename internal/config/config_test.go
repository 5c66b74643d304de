package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tradeloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.Interval)
	assert.True(t, cfg.PaperTrading)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
agents: [alpha, beta]
scheduler:
  interval: 5m
confirmation:
  commitment: finalized
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Agents)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, "finalized", cfg.Confirmation.Commitment)
	// Untouched sections keep their defaults.
	assert.Equal(t, Default().RPC.Endpoint, cfg.RPC.Endpoint)
	assert.Equal(t, Default().Policy.MaxTradesPerHour, cfg.Policy.MaxTradesPerHour)
}

func TestLoad_EnvOverridesEndpoint(t *testing.T) {
	t.Setenv("SOLANA_RPC_URL", "https://rpc.example.test")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://rpc.example.test", cfg.RPC.Endpoint)
}

func TestLoad_RejectsBadCommitment(t *testing.T) {
	path := writeConfig(t, "confirmation:\n  commitment: eventually\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commitment")
}

func TestLoad_RejectsNoAgents(t *testing.T) {
	path := writeConfig(t, "agents: []\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent")
}

func TestLoad_RejectsSlippageOutOfRange(t *testing.T) {
	path := writeConfig(t, "max_slippage_bps: 20000\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_slippage_bps")
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "scheduler: [not a map\n")
	_, err := Load(path)
	require.Error(t, err)
}
