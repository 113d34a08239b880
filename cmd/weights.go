package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/reunite-hq/match-engine/internal/model"
)

var (
	weightsFile  string
	weightsActor string
)

var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Inspect and tune the signal weight configuration",
}

var weightsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active weight configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context(), "weights")
		if err != nil {
			return err
		}
		defer env.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(env.Engine.CurrentWeights())
	},
}

// weightFile is the on-disk tuning format.
type weightFile struct {
	Weights map[string]float64 `yaml:"weights"`
}

var weightsApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Install and persist a new weight configuration from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context(), "weights")
		if err != nil {
			return err
		}
		defer env.Close()

		raw, err := os.ReadFile(weightsFile)
		if err != nil {
			return eris.Wrapf(err, "read weights file %s", weightsFile)
		}
		var wf weightFile
		if err := yaml.Unmarshal(raw, &wf); err != nil {
			return eris.Wrapf(err, "parse weights file %s", weightsFile)
		}
		if len(wf.Weights) == 0 {
			return eris.Errorf("weights file %s has no weights", weightsFile)
		}

		weights := make(map[model.Signal]float64, len(wf.Weights))
		for k, v := range wf.Weights {
			weights[model.Signal(k)] = v
		}

		cfg, err := env.Engine.UpdateWeights(cmd.Context(), weights, weightsActor)
		if err != nil {
			return err
		}
		zap.L().Info("weight configuration applied",
			zap.Int64("version", cfg.Version),
			zap.String("actor", weightsActor),
		)
		return nil
	},
}

func init() {
	weightsApplyCmd.Flags().StringVar(&weightsFile, "file", "weights.yaml", "weight configuration file")
	weightsApplyCmd.Flags().StringVar(&weightsActor, "actor", "", "operator applying the change")
	_ = weightsApplyCmd.MarkFlagRequired("actor")

	weightsCmd.AddCommand(weightsShowCmd)
	weightsCmd.AddCommand(weightsApplyCmd)
	rootCmd.AddCommand(weightsCmd)
}
