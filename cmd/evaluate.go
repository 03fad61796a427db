package main

import (
	"github.com/spf13/cobra"

	"tickerpulse/internal/bootstrap"
	"tickerpulse/pkg/errors"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score the stance cascade against a gold-labelled CSV",
	RunE:  runEvaluate,
}

var (
	datasetFlag string
	maxRowsFlag int
)

func init() {
	evaluateCmd.Flags().StringVarP(&datasetFlag, "dataset", "d", "", "Gold dataset CSV (default EVALUATION_DATASET_FILE)")
	evaluateCmd.Flags().IntVarP(&maxRowsFlag, "max-rows", "n", 0, "Rows to score (default EVALUATION_MAX_ROWS)")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	c := bootstrap.NewContainer()
	c.MustInitConfig()
	c.MustInitClassifier()
	defer c.Shutdown()

	path := datasetFlag
	if path == "" {
		path = c.Config.Evaluation.DatasetFile
	}
	maxRows := maxRowsFlag
	if maxRows <= 0 {
		maxRows = c.Config.Evaluation.MaxRows
	}

	report, err := c.Services.Evaluation.EvaluateFile(cmd.Context(), path, maxRows)
	if err != nil {
		return errors.Wrapf(err, "evaluate %s", path)
	}
	return writeJSON(cmd.OutOrStdout(), report)
}
