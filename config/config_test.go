package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	c := DefaultConfig
	require.Equal(t, 8080, c.Port)
	require.Equal(t, 7200*time.Second, c.SessionTTL)
	require.Equal(t, 8, c.MaxConcurrent)
	require.Equal(t, 180*time.Second, c.CloneTimeout)
	require.Equal(t, 600*time.Second, c.AgentTimeout)
	require.Equal(t, 300*time.Second, c.TestTimeout)
	require.Equal(t, int64(524288000), c.MaxArchiveBytes)
	require.Equal(t, int64(1048576), c.MaxOutputBytes)
	require.Equal(t, "/tmp/sessions", c.WorkspaceBase)
	require.Equal(t, uint64(10000), c.MinValidatorStake)
	require.Equal(t, 300*time.Second, c.ValidatorRefresh)
	require.Equal(t, 0.5, c.ConsensusThreshold)
	require.Equal(t, 60*time.Second, c.ConsensusTTL)
	require.NoError(t, c.Validate())
}

func TestFromEnvOverridesDefaults(t *testing.T) {
	os.Setenv("PORT", "9090")
	os.Setenv("MAX_CONCURRENT_TASKS", "16")
	os.Setenv("CONSENSUS_THRESHOLD", "0.75")
	defer func() {
		os.Unsetenv("PORT")
		os.Unsetenv("MAX_CONCURRENT_TASKS")
		os.Unsetenv("CONSENSUS_THRESHOLD")
	}()

	c := FromEnv()
	require.Equal(t, 9090, c.Port)
	require.Equal(t, 16, c.MaxConcurrent)
	require.Equal(t, 0.75, c.ConsensusThreshold)
}

func TestValidateRejectsOutOfRangeThreshold(t *testing.T) {
	c := DefaultConfig

	c.ConsensusThreshold = 0
	require.Error(t, c.Validate())

	c.ConsensusThreshold = 1.5
	require.Error(t, c.Validate())

	c.ConsensusThreshold = 1.0
	require.NoError(t, c.Validate())
}

func TestFromEnvIgnoresMalformedValues(t *testing.T) {
	os.Setenv("PORT", "not-a-number")
	defer os.Unsetenv("PORT")

	c := FromEnv()
	require.Equal(t, DefaultConfig.Port, c.Port)
}
