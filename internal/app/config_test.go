package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("GRAPHRECALL_CONFIG_FILE", "")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 0.3, cfg.Synthesis.Admission)
	require.Equal(t, 5, cfg.Synthesis.TopK)
	require.Equal(t, 0.95, cfg.Synthesis.DuplicateThreshold)
	require.Equal(t, 0.8, cfg.Synthesis.EnhanceThreshold)
	require.Equal(t, 24*time.Hour, cfg.Review.TTL)
	require.Equal(t, "auto", cfg.Review.Mode)
	require.Equal(t, 0.8, cfg.Graph.DocumentRelevance)
}

func TestLoadConfigOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graphrecall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
synthesis:
  duplicate_threshold: 0.97
  adjudicator_timeout: 5s
review:
  mode: always
  ttl: 2h
`), 0o600))
	t.Setenv("GRAPHRECALL_CONFIG_FILE", path)
	t.Setenv("SYNTHESIS_TOP_K", "9")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 0.97, cfg.Synthesis.DuplicateThreshold)
	require.Equal(t, 5*time.Second, cfg.Synthesis.AdjudicatorTimeout)
	require.Equal(t, 9, cfg.Synthesis.TopK, "keys absent from the file keep env values")
	require.Equal(t, 0.8, cfg.Synthesis.EnhanceThreshold)
	require.Equal(t, "always", cfg.Review.Mode)
	require.Equal(t, 2*time.Hour, cfg.Review.TTL)
}

func TestLoadConfigRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("synthesis: [1, 2"), 0o600))
	t.Setenv("GRAPHRECALL_CONFIG_FILE", path)
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("GRAPHRECALL_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = LoadConfig()
	require.Error(t, err)
}
