package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/iti/arsa"
)

var sequential bool

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "fit the coefficients to the training samples and evaluate them on the test samples",
	Long: `train adds the training samples one at a time, refitting the shared coefficients over the
growing history after each, and predicts every test sample with the coefficients of every step.
With --sequential each sample is fitted on its own, starting from the previous fit, and no
predictions are made.  The coefficients, timings and prediction errors are written as csv.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		trainer, err := cfg.BuildTrainer()
		if err != nil {
			return err
		}
		train, test, err := cfg.LoadSamples()
		if err != nil {
			return err
		}
		logger.WithField("train", len(train)).WithField("test", len(test)).Info("samples loaded")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if sequential {
			return trainSequential(ctx, trainer, train)
		}

		rpt, st, err := trainer.Session(ctx, train, test)
		if err != nil {
			return err
		}
		logger.WithField("history", len(st.History)).WithField("theta", st.Theta).Info("training session complete")
		return rpt.WriteFiles(cfg.Data.ReportPrefix)
	},
}

func init() {
	trainCmd.Flags().BoolVar(&sequential, "sequential", false, "fit each sample on its own instead of over the history")
}

func trainSequential(ctx context.Context, trainer *arsa.Trainer, train []arsa.Sample) error {
	begin := time.Now()
	results, err := trainer.Train(ctx, train)
	if err != nil {
		return err
	}
	rpt := arsa.NewReport()
	for step, res := range results {
		rpt.AddRho(step, train[step].Name, res.Rho)
	}
	rpt.AddTiming("train", "all", time.Since(begin))
	return rpt.WriteFiles(cfg.Data.ReportPrefix)
}
