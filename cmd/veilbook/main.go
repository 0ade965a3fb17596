// Command veilbook submits confidential orders and leveraged positions to a
// custody ledger and tracks their matching results. It loads configuration,
// validates it, wires dependencies, sets up signal handling, and runs the
// configured mode until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/veilbook/internal/app"
	"github.com/alanyoungcy/veilbook/internal/config"
	"github.com/alanyoungcy/veilbook/internal/crypto"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	sealKeyPath := flag.String("seal-key", "",
		"encrypt VEILBOOK_WALLET_PRIVATE_KEY with VEILBOOK_WALLET_KEY_PASSWORD into this file and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if *sealKeyPath != "" {
		if err := sealKey(*sealKeyPath); err != nil {
			logger.Error("seal key failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("wallet key sealed", slog.String("path", *sealKeyPath))
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("veilbook starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		application.Close()
		os.Exit(1)
	}

	logger.Info("veilbook stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// sealKey writes the password-encrypted wallet key file that
// wallet.encrypted_key_path points at.
func sealKey(path string) error {
	_ = godotenv.Load()
	key := os.Getenv("VEILBOOK_WALLET_PRIVATE_KEY")
	password := os.Getenv("VEILBOOK_WALLET_KEY_PASSWORD")
	if key == "" || password == "" {
		return errors.New("VEILBOOK_WALLET_PRIVATE_KEY and VEILBOOK_WALLET_KEY_PASSWORD must be set")
	}
	data, err := crypto.SealKey(key, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
