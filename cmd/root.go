package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reunite-hq/match-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "match-engine",
	Short: "Lost-and-found match scoring and moderation engine",
	Long:  "Pairs lost and found reports, scores them across text, image, color, geographic, and temporal signals, and runs the moderation lifecycle over the results.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
