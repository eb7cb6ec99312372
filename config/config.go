package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the identity of this tablet-server process.
type ServerConfig struct {
	// Address is the host:port this process is known by; it is embedded
	// (joined with '+') into every WAL path this server opens.
	Address string `yaml:"address"`
}

// WALConfig holds write-ahead-log specific configuration (spec.md §6,
// "Configuration (enumerated options consumed)").
type WALConfig struct {
	// Replication overrides the per-file replica count; 0 means "ask the
	// block store for its default".
	Replication int `yaml:"replication"`
	// BlockSize overrides the per-file block size in bytes; 0 means
	// "1.1 * MaxSize".
	BlockSize int64 `yaml:"block_size"`
	// SyncMode selects the stronger durable-sync primitive when true.
	SyncMode bool `yaml:"sync_mode"`
	// MaxSize is used only to derive BlockSize when BlockSize is 0.
	MaxSize int64 `yaml:"max_size"`
}

// CryptoConfig holds the authenticated-cipher module configuration.
type CryptoConfig struct {
	// ModuleClass is the fully-qualified module name embedded in the v3
	// WAL header, e.g. "nexusbase.crypto.NullCryptoModule" or
	// "nexusbase.crypto.AEADCryptoModule".
	ModuleClass string `yaml:"module_class"`
	// KeyHex is the hex-encoded symmetric key used by AEADCryptoModule.
	// Ignored by the null module.
	KeyHex string `yaml:"key_hex"`
}

// CoordConfig holds coordination-store (watch channel / cache) configuration.
type CoordConfig struct {
	Endpoints      []string `yaml:"endpoints"`
	SessionTimeout string   `yaml:"session_timeout"`
}

// LoggingConfig holds logging-specific configuration, unchanged in shape
// from the engine this module was distilled from.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // path to the log file, used if output is "file"
}

// Config is the top-level configuration struct for the WAL writer and
// coordination cache substrate.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	WAL     WALConfig     `yaml:"wal"`
	Crypto  CryptoConfig  `yaml:"crypto"`
	Coord   CoordConfig   `yaml:"coord"`
	Logging LoggingConfig `yaml:"logging"`
}

// ParseDuration parses a duration string, returning defaultDuration if the
// string is empty or invalid. Logs a warning on invalid (non-empty) input.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader. Separated from LoadConfig for
// testability.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Address: "localhost:9997",
		},
		WAL: WALConfig{
			Replication: 0,
			BlockSize:   0,
			SyncMode:    true,
			MaxSize:     1024 * 1024 * 1024, // 1 GiB
		},
		Crypto: CryptoConfig{
			ModuleClass: NullCryptoModuleClass,
		},
		Coord: CoordConfig{
			Endpoints:      []string{"localhost:2379"},
			SessionTimeout: "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
	}

	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// is not an error: it yields the default configuration.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// NullCryptoModuleClass is the fully-qualified name of the sentinel
// passthrough cipher module (spec.md §4.B).
const NullCryptoModuleClass = "nexusbase.crypto.NullCryptoModule"

// AEADCryptoModuleClass is the fully-qualified name of the authenticated
// AEAD cipher module.
const AEADCryptoModuleClass = "nexusbase.crypto.AEADCryptoModule"
