package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, DefaultPagesPerGroup, cfg.PagesPerGroup)
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, DefaultChatTemplate, cfg.ModelChatTemplate)
	assert.Equal(t, DefaultInferencePort, cfg.InferencePort)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PAGEMILL_WORKERS", "3")
	t.Setenv("PAGEMILL_CHAT_TEMPLATE", "custom")
	t.Setenv("PAGEMILL_MODEL_MAX_CONTEXT", "not-a-number")

	cfg := Load()
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, "custom", cfg.ModelChatTemplate)
	// Malformed integers fall back to the default.
	assert.Equal(t, DefaultModelMaxContext, cfg.ModelMaxContext)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	require.Error(t, cfg.Validate())

	cfg.Workspace = "s3://bucket/workspace"
	require.NoError(t, cfg.Validate())

	cfg.Workers = 0
	assert.Error(t, cfg.Validate())
	cfg.Workers = 1

	cfg.MaxPageRetries = 0
	assert.Error(t, cfg.Validate())
	cfg.MaxPageRetries = 1

	cfg.TargetAnchorTextLen = 0
	assert.Error(t, cfg.Validate())
}
