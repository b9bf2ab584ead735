// Command concierged runs the guest concierge gateway: the Telnyx webhook
// surface, the call media bridge, and the guest app websocket.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "dev" // set via ldflags at build time

	envFile     string
	configFile  string
	logLevelStr string
	logFormat   string
)

var rootCmd = &cobra.Command{
	Use:           "concierged",
	Short:         "Real-time multi-session concierge gateway",
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Missing .env is fine; explicit --env-file is not.
		if err := godotenv.Load(envFile); err != nil {
			if cmd.Flags().Changed("env-file") {
				return fmt.Errorf("load env file %q: %w", envFile, err)
			}
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading CONCIERGE_* variables")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML overlay applied over the environment")
	rootCmd.PersistentFlags().StringVar(&logLevelStr, "log-level", "info", "debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "json|text")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkConfigCmd)
}
