package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 800, cfg.Vault.ChunkSize)
	assert.Equal(t, 200, cfg.Vault.ChunkOverlap)
	assert.Equal(t, 3, cfg.Vault.OverFetchFactor)
	assert.Equal(t, 3, cfg.Vault.DefaultTopK)
	assert.Equal(t, "local", cfg.Storage.Driver)
	assert.Equal(t, 30*time.Second, cfg.Embedding.Timeout)
	assert.NotEmpty(t, cfg.Vault.NoDocumentsAnswer)
	assert.Empty(t, cfg.Tika.ServerURL)
	assert.Equal(t, 60*time.Second, cfg.Tika.Timeout)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
vault:
  index_path: /tmp/vault.idx
  chunk_size: 500
  chunk_overlap: 50
embedding:
  provider: hash
  dimensions: 128
  timeout: 5s
llm:
  timeout: 2m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "/tmp/vault.idx", cfg.Vault.IndexPath)
	assert.Equal(t, 500, cfg.Vault.ChunkSize)
	assert.Equal(t, 50, cfg.Vault.ChunkOverlap)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, 128, cfg.Embedding.Dimensions)
	assert.Equal(t, 5*time.Second, cfg.Embedding.Timeout)
	assert.Equal(t, 2*time.Minute, cfg.LLM.Timeout)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"overlap not below size", "vault:\n  chunk_size: 100\n  chunk_overlap: 100\n"},
		{"over-fetch too small", "vault:\n  over_fetch_factor: 2\n"},
		{"unknown storage driver", "storage:\n  driver: ftp\n"},
		{"unknown embedding provider", "embedding:\n  provider: magic\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
