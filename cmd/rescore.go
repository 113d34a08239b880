package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rescoreAll bool

// rescoreCmd forces a recomputation pass, either for one report's matches
// or for the whole table after a scoring-model or weight change.
var rescoreCmd = &cobra.Command{
	Use:   "rescore [report-id]",
	Short: "Recompute match scores for a report, or everything with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if rescoreAll == (len(args) == 1) {
			return eris.New("pass exactly one of a report-id or --all")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "rescore")
		if err != nil {
			return err
		}
		defer env.Close()

		var n int
		if rescoreAll {
			n, err = env.Engine.ReconcileAll(ctx)
		} else {
			n, err = env.Engine.ReconcileReport(ctx, args[0])
		}
		if err != nil {
			return err
		}

		zap.L().Info("rescore complete", zap.Int("rescored", n))
		return nil
	},
}

func init() {
	rescoreCmd.Flags().BoolVar(&rescoreAll, "all", false, "rescore every match")
	rootCmd.AddCommand(rescoreCmd)
}
