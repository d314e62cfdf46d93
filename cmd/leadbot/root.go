package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// rootCmd runs the bot when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "leadbot",
	Short: "Real-estate lead qualification chat bot",
	Long: `leadbot answers leads on Telegram, qualifies them with an LLM,
presents properties from the catalogue and pushes them towards a visit.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default is ./config.yaml or $CONFIG_PATH)")
}
