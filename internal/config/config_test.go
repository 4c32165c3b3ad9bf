package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_PORT", "STEP_TIMEOUT_MS", "CHECKPOINT_ON_EXTERNAL_CALL", "MIN_CONFIDENCE", "FLOWRUN_MODE"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.StepTimeout)
	assert.True(t, cfg.CheckpointOnExternalCall)
	assert.Equal(t, 0.3, cfg.MinConfidence)
	assert.Equal(t, "", cfg.Mode)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("STEP_TIMEOUT_MS", "1500")
	t.Setenv("CHECKPOINT_ON_EXTERNAL_CALL", "false")
	t.Setenv("MIN_CONFIDENCE", "0.5")
	t.Setenv("FLOWRUN_MODE", "mock")
	t.Setenv("MAX_PARALLELISM", "not-a-number")

	cfg := Load()
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, 1500*time.Millisecond, cfg.StepTimeout)
	assert.False(t, cfg.CheckpointOnExternalCall)
	assert.Equal(t, 0.5, cfg.MinConfidence)
	assert.Equal(t, "MOCK", cfg.Mode)
	assert.Equal(t, 4, cfg.MaxParallelism)
}
