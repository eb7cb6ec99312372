package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
server:
  address: "tserver1:9997"
wal:
  replication: 3
  max_size: 2048
crypto:
  module_class: "nexusbase.crypto.AEADCryptoModule"
  key_hex: "00112233445566778899aabbccddeeff00112233445566778899aabbccddee"
`
	reader := strings.NewReader(yamlContent)
	cfg, err := Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "tserver1:9997", cfg.Server.Address)
	assert.Equal(t, 3, cfg.WAL.Replication)
	assert.Equal(t, int64(2048), cfg.WAL.MaxSize)
	assert.Equal(t, "nexusbase.crypto.AEADCryptoModule", cfg.Crypto.ModuleClass)

	// A default value that was not overridden.
	assert.True(t, cfg.WAL.SyncMode)
}

func TestLoad_PartialConfig(t *testing.T) {
	yamlContent := `
coord:
  session_timeout: "15s"
`
	reader := strings.NewReader(yamlContent)
	cfg, err := Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "15s", cfg.Coord.SessionTimeout)
	// Defaults still present.
	assert.Equal(t, "localhost:9997", cfg.Server.Address)
	assert.Equal(t, NullCryptoModuleClass, cfg.Crypto.ModuleClass)
}

func TestLoad_EmptyReader(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "localhost:9997", cfg.Server.Address)

	reader := strings.NewReader("")
	cfg, err = Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "localhost:9997", cfg.Server.Address)
}

func TestLoad_InvalidYAML(t *testing.T) {
	yamlContent := `
server:
  address: "x"
wal:
  this: is: invalid: yaml
`
	reader := strings.NewReader(yamlContent)
	_, err := Load(reader)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config yaml")
}

func TestLoadConfig_FileIntegration(t *testing.T) {
	t.Run("FileExists", func(t *testing.T) {
		yamlContent := `
server:
  address: "127.0.0.1:9997"
`
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "config.yaml")
		err := os.WriteFile(configPath, []byte(yamlContent), 0644)
		require.NoError(t, err)

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Equal(t, "127.0.0.1:9997", cfg.Server.Address)
	})

	t.Run("FileDoesNotExist", func(t *testing.T) {
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "non_existent_config.yaml")

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Equal(t, "localhost:9997", cfg.Server.Address)
	})
}

func TestParseDuration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	defaultDuration := 10 * time.Second

	testCases := []struct {
		name     string
		input    string
		expected time.Duration
	}{
		{"ValidSeconds", "5s", 5 * time.Second},
		{"ValidMilliseconds", "500ms", 500 * time.Millisecond},
		{"ValidMinutes", "2m", 2 * time.Minute},
		{"EmptyString", "", defaultDuration},
		{"ZeroString", "0", defaultDuration},
		{"InvalidString", "5x", defaultDuration},
		{"JustNumber", "10", defaultDuration},
		{"NilLogger", "5x", defaultDuration},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var testLogger *slog.Logger
			if tc.name != "NilLogger" {
				testLogger = logger
			}
			result := ParseDuration(tc.input, defaultDuration, testLogger)
			assert.Equal(t, tc.expected, result)
		})
	}
}
