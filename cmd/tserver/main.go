// Command tserver is a minimal bootstrap wiring the WAL writer and the
// coordination cache together against their provided local/etcd
// implementations. It exists to exercise the substrate end-to-end, not
// as a production tablet server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/INLOpen/nexusbase/config"
	"github.com/INLOpen/nexusbase/coordcache"
	"github.com/INLOpen/nexusbase/wal"
)

func createLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out *os.File = os.Stdout
	if cfg.Output == "file" && cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s, falling back to stdout: %v\n", cfg.File, err)
		} else {
			out = f
		}
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func main() {
	var configPath, walDir, tserverAddr string
	flag.StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	flag.StringVar(&walDir, "wal-dir", "./wal-data", "LocalBlockStore root directory")
	flag.StringVar(&tserverAddr, "address", "", "this tablet server's address; overrides config.server.address")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if tserverAddr != "" {
		cfg.Server.Address = tserverAddr
	}

	logger := createLogger(cfg.Logging)
	slog.SetDefault(logger)

	cipher, err := wal.LookupCipherModule(cfg.Crypto.ModuleClass)
	if err != nil {
		logger.Error("resolving cipher module", "error", err)
		os.Exit(1)
	}

	store := wal.NewLocalBlockStore(walDir, 1, 0)
	writer := wal.NewWriter(store, wal.NewRoundRobinVolumePolicy(), cipher, cfg, []string{"vol-0"})
	if err := writer.Open(cfg.Server.Address); err != nil {
		logger.Error("opening WAL", "error", err)
		os.Exit(1)
	}
	logger.Info("WAL opened", "writer", writer.String())

	sessionTimeout := config.ParseDuration(cfg.Coord.SessionTimeout, 30*time.Second, logger)
	registry := coordcache.NewRegistry()
	cache, err := registry.Get(cfg.Coord.Endpoints, sessionTimeout, nil, logger)
	if err != nil {
		logger.Warn("coordination cache unavailable, continuing without it", "error", err)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, absent, err := cache.GetData(ctx, "/tservers/"+writer.ServerTag()); err != nil {
			logger.Warn("coordination cache probe failed", "error", err)
		} else {
			logger.Info("coordination cache probe", "absent", absent)
		}
		cancel()
	}

	if err := writer.Close(); err != nil {
		logger.Error("closing WAL", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down cleanly")
}
