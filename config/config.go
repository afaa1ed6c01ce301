// Package config holds the environment-derived settings for the
// executor, following the DefaultConfig / resolvePath idiom of the
// teacher's node package.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

var errInvalidThreshold = errors.New("CONSENSUS_THRESHOLD must lie in (0, 1]")

// Config is every environment-tunable knob in spec.md section 6,
// loaded once at process startup.
type Config struct {
	Port int

	SessionTTL      time.Duration
	MaxConcurrent   int
	CloneTimeout    time.Duration
	InstallTimeout  time.Duration
	AgentTimeout    time.Duration
	TestTimeout     time.Duration
	MaxArchiveBytes int64
	MaxOutputBytes  int64
	WorkspaceBase   string

	MinValidatorStake   uint64
	ValidatorRefresh    time.Duration
	ConsensusThreshold  float64
	ConsensusTTL        time.Duration
	ConsensusReapPeriod time.Duration
	MaxPendingConsensus int

	NonceTTL      time.Duration
	NonceReapPeriod time.Duration

	SessionReapPeriod time.Duration
}

// DefaultConfig mirrors the defaults table in spec.md section 6.
var DefaultConfig = Config{
	Port: 8080,

	SessionTTL:      7200 * time.Second,
	MaxConcurrent:   8,
	CloneTimeout:    180 * time.Second,
	InstallTimeout:  120 * time.Second,
	AgentTimeout:    600 * time.Second,
	TestTimeout:     300 * time.Second,
	MaxArchiveBytes: 524288000,
	MaxOutputBytes:  1048576,
	WorkspaceBase:   "/tmp/sessions",

	MinValidatorStake:   10000,
	ValidatorRefresh:    300 * time.Second,
	ConsensusThreshold:  0.5,
	ConsensusTTL:        60 * time.Second,
	ConsensusReapPeriod: 30 * time.Second,
	MaxPendingConsensus: 100,

	NonceTTL:        5 * time.Minute,
	NonceReapPeriod: 60 * time.Second,

	SessionReapPeriod: 60 * time.Second,
}

// FromEnv layers environment variables over DefaultConfig, the way the
// teacher's cmd/utils flags layer CLI values over node.DefaultConfig.
func FromEnv() Config {
	c := DefaultConfig
	c.Port = envInt("PORT", c.Port)
	c.SessionTTL = envSeconds("SESSION_TTL_SECS", c.SessionTTL)
	c.MaxConcurrent = envInt("MAX_CONCURRENT_TASKS", c.MaxConcurrent)
	c.CloneTimeout = envSeconds("CLONE_TIMEOUT_SECS", c.CloneTimeout)
	c.InstallTimeout = envSeconds("INSTALL_TIMEOUT_SECS", c.InstallTimeout)
	c.AgentTimeout = envSeconds("AGENT_TIMEOUT_SECS", c.AgentTimeout)
	c.TestTimeout = envSeconds("TEST_TIMEOUT_SECS", c.TestTimeout)
	c.MaxArchiveBytes = envInt64("MAX_ARCHIVE_BYTES", c.MaxArchiveBytes)
	c.MaxOutputBytes = envInt64("MAX_OUTPUT_BYTES", c.MaxOutputBytes)
	c.WorkspaceBase = envString("WORKSPACE_BASE", c.WorkspaceBase)
	c.MinValidatorStake = uint64(envInt64("MIN_VALIDATOR_STAKE", int64(c.MinValidatorStake)))
	c.ValidatorRefresh = envSeconds("VALIDATOR_REFRESH_SECS", c.ValidatorRefresh)
	c.ConsensusThreshold = envFloat("CONSENSUS_THRESHOLD", c.ConsensusThreshold)
	c.ConsensusTTL = envSeconds("CONSENSUS_TTL_SECS", c.ConsensusTTL)
	return c
}

// Validate enforces the constraints spec.md section 4.4 places on
// CONSENSUS_THRESHOLD: it must lie in (0, 1].
func (c Config) Validate() error {
	if c.ConsensusThreshold <= 0 || c.ConsensusThreshold > 1 {
		return errInvalidThreshold
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envSeconds(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
