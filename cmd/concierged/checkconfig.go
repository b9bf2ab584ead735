package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the environment and overlay without starting the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "addr: %s\n", cfg.Addr)
		fmt.Fprintf(cmd.OutOrStdout(), "rate tier: %s (%d requests/min, margin %.2f)\n",
			cfg.RateTier, cfg.EffectiveRequestsPerWindow(), cfg.RateSafetyMargin)
		fmt.Fprintf(cmd.OutOrStdout(), "telephony: %s\n", enabledWhen(cfg.TelnyxAPIKey != ""))
		fmt.Fprintf(cmd.OutOrStdout(), "knowledge base: %s\n", enabledWhen(cfg.QdrantURL != ""))
		fmt.Fprintf(cmd.OutOrStdout(), "guest store cache: %s\n", enabledWhen(cfg.RedisAddr != ""))
		fmt.Fprintln(cmd.OutOrStdout(), "config ok")
		return nil
	},
}

func enabledWhen(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}
