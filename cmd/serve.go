/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"newtonchat/pkg/channel/stdio"

	"github.com/spf13/cobra"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the comm protocol over stdin and stdout",
	Long: `Runs the kernel for a host process: every stdin line is one JSON request,
every stdout line is one JSON event. Logs go to stderr.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadSettings()
		if err != nil {
			cmd.PrintErrf("failed to start: %v\n", err)
			return
		}
		log := slog.Default().With("component", "cmd.serve")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		kernel, err := startKernel(ctx, cfg, log)
		if err != nil {
			log.Error("Failed to start kernel", "error", err)
			return
		}
		defer kernel.Close()

		adapter := stdio.NewAdapter(os.Stdin, os.Stdout, log)
		if err := adapter.Run(ctx, kernel); err != nil {
			log.Error("Stdio channel failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
