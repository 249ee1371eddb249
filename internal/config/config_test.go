package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 10, cfg.Queue.MatchSize)
	assert.Equal(t, 200.0, cfg.Queue.MaxMMRDelta)
	assert.Equal(t, 30, cfg.Acceptance.TimeoutSeconds)
	assert.Equal(t, 30, cfg.Draft.ActionTimeoutSeconds)
	assert.True(t, cfg.Draft.ConfirmationRequired)
	assert.Equal(t, 5, cfg.GameMonitor.PollIntervalSeconds)
	assert.Equal(t, 300, cfg.GameMonitor.InactivityCancelSeconds)
	assert.Equal(t, 6, cfg.LinkVote.Quorum)
	assert.Equal(t, 10, cfg.Ownership.HeartbeatSeconds)
	assert.Equal(t, 30, cfg.Ownership.StaleCutoffSeconds)

	assert.Equal(t, 30*time.Second, cfg.AcceptanceTimeout())
	assert.Equal(t, 5*time.Second, cfg.MonitorPollInterval())
	assert.Equal(t, 5*time.Minute, cfg.MonitorInactivityCancel())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CUSTOMGAME_PORT", "9999")
	t.Setenv("CUSTOMGAME_ACCEPTANCE_TIMEOUT_SECONDS", "15")
	t.Setenv("CUSTOMGAME_LINK_VOTE_QUORUM", "4")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 15, cfg.Acceptance.TimeoutSeconds)
	assert.Equal(t, 4, cfg.LinkVote.Quorum)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 7070
queue:
  max-mmr-delta: 150
privileged-voters:
  - summonerName: faker#kr1
    weight: 6
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, 150.0, cfg.Queue.MaxMMRDelta)
	require.Len(t, cfg.PrivilegedVoters, 1)
	assert.Equal(t, "faker#kr1", cfg.PrivilegedVoters[0].SummonerName)
	assert.Equal(t, 6, cfg.PrivilegedVoters[0].Weight)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Port = 0
	assert.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.LinkVote.Quorum = 0
	assert.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.PrivilegedVoters = []PrivilegedVoter{{SummonerName: "x", Weight: 0}}
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/no/such/config.yaml")
	assert.Error(t, err)
}
