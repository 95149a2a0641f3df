/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	configPath        string
	instancesLocation string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "newtonchat",
	Short: "Conversational kernel for notebook chat clients",
	Long: `Newtonchat hosts named chat instances backed by dialog or LLM bots and
serves them to notebook clients over stdio or websocket, and to Telegram.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if value := strings.TrimSpace(configPath); value != "" {
			return os.Setenv("NEWTONCHAT_CONFIG", value)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default is ./config.json or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&instancesLocation, "instances", "", "instance snapshot location, path?{json overrides}")
}
