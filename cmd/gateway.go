package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"newtonchat/pkg/channel"
	"newtonchat/pkg/channel/telegram"
	"newtonchat/pkg/config"
	"newtonchat/pkg/gateway"

	"github.com/spf13/cobra"
)

const telegramChannelName = "telegram"

var restrictModes []string

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the HTTP gateway",
	Long:  "Serves the comm websocket, the client config and the health endpoints, and runs the enabled channels.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := loadSettings()
		if err != nil {
			fmt.Printf("failed to start: %v\n", err)
			return
		}
		if len(restrictModes) > 0 {
			cfg.Gateway.Restrict = restrictModes
		}
		log := slog.Default().With("component", "cmd.gateway")

		adapters, err := enabledAdapters(cfg, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		kernel, err := startKernel(runCtx, cfg, log)
		if err != nil {
			log.Error("Failed to start kernel", "error", err)
			return
		}
		defer kernel.Close()

		svc, err := gateway.NewService(cfg, kernel, adapters, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Gateway started", "channels", enabledChannelNames(adapters), "default_mode", cfg.Chat.DefaultMode, "model", cfg.Providers.Model)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
	gatewayCmd.Flags().StringSliceVar(&restrictModes, "restrict", nil, "comma separated list of modes the client may offer")
}

// enabledAdapters builds the configured channel adapters. The websocket
// endpoint is always served, so an empty list is valid.
func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 1)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", telegramChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
