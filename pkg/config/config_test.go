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

	assert.Equal(t, "redact", cfg.Guard.Mode)
	assert.Equal(t, 60, cfg.Retrieval.RRFK)
	assert.InDelta(t, 0.65, cfg.Degradation.LowConfidence, 1e-9)
	assert.Equal(t, "sqlite", cfg.Audit.Backend)
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := []byte(`
guard:
  mode: block
retrieval:
  rrfK: 30
  rerankTimeout: 150ms
audit:
  backend: memory
`)
	require.NoError(t, os.WriteFile(path, yamlDoc, 0o600))
	t.Setenv("GR_DEGRADATION_LOW_CONFIDENCE", "0.7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "block", cfg.Guard.Mode)
	assert.Equal(t, 30, cfg.Retrieval.RRFK)
	assert.Equal(t, 150*time.Millisecond, cfg.Retrieval.RerankTimeout)
	assert.Equal(t, "memory", cfg.Audit.Backend)
	assert.InDelta(t, 0.7, cfg.Degradation.LowConfidence, 1e-9)
	// untouched sections keep their defaults
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestValidateRejectsUnknownGuardMode(t *testing.T) {
	cfg := Default()
	cfg.Guard.Mode = "warn"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadAuditBackend(t *testing.T) {
	cfg := Default()
	cfg.Audit.Backend = "s3"
	assert.Error(t, cfg.Validate())
}
