package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"newtonchat/pkg/config"
	"newtonchat/pkg/logger"
	"newtonchat/pkg/provider"
	"newtonchat/pkg/runtime"
	"newtonchat/pkg/store"
)

// loadSettings loads the config, applies command line overrides and installs
// the default logger.
func loadSettings() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if value := strings.TrimSpace(instancesLocation); value != "" {
		cfg.Storage.Location = value
	}
	if err := logger.Setup(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	return cfg, nil
}

// startKernel wires the provider, the bot modes and the snapshot store into
// a running kernel. A provider that cannot be configured leaves LLM
// instances answering with an error instead of failing startup.
func startKernel(ctx context.Context, cfg *config.Config, log *slog.Logger) (*runtime.Kernel, error) {
	generator, err := provider.New(cfg)
	if err != nil {
		log.Warn("LLM provider unavailable", "backend", cfg.Providers.Backend, "error", err)
		generator = nil
	}

	loaders, err := runtime.Loaders(cfg, generator)
	if err != nil {
		return nil, fmt.Errorf("register bot modes: %w", err)
	}

	var snapshots store.Store
	if cfg.Storage.Enabled() {
		snapshots, err = store.New(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("open instance store: %w", err)
		}
	}

	kernel, err := runtime.StartKernel(ctx, loaders, runtime.Options{
		DefaultMode:   cfg.Chat.DefaultMode,
		Store:         snapshots,
		Autosave:      cfg.Storage.Autosave,
		ObserveEvents: true,
	})
	if err != nil {
		if snapshots != nil {
			_ = snapshots.Close()
		}
		return nil, err
	}
	return kernel, nil
}
