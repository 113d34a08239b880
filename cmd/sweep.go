package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepSince time.Duration

// sweepCmd is the periodic safety net for missed report events: it
// regenerates candidates for recently changed reports and rescores their
// matches. Intended to run from a scheduler.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Generate and rescore candidates for recently changed reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "sweep")
		if err != nil {
			return err
		}
		defer env.Close()

		since := time.Now().UTC().Add(-sweepSince)
		stats, err := env.Engine.Sweep(ctx, since)
		if err != nil {
			return err
		}

		zap.L().Info("sweep complete",
			zap.Time("since", since),
			zap.Int("paired", stats.Paired),
			zap.Int("created", stats.Created),
			zap.Int("scored", stats.Scored),
			zap.Int("failed", stats.Failed),
		)
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepSince, "since", 24*time.Hour, "look-back window for changed reports")
	rootCmd.AddCommand(sweepCmd)
}
