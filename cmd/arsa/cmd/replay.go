package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/iti/arsa"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "replay the samples as an online campaign in virtual time",
	Long: `replay lets the training samples arrive one by one in virtual time, trains on each as it
arrives, and answers prediction queries for the test samples with whatever coefficients the
last completed training step published.`,
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

		trace := arsa.CreateTraceManager(cfg.Name, cfg.Data.TraceFile != "")
		trainer.Estimator.Trace = trace

		rp, err := arsa.NewReplay(trainer, train, test, cfg.Replay, cfg.Rng("replay"), trace)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		rpt, st, err := rp.Run(ctx)
		if err != nil {
			return err
		}
		logger.WithField("history", len(st.History)).WithField("predictions", len(rpt.Predictions)).Info("replay complete")

		if trace.Active() {
			if err := trace.WriteToFile(cfg.Data.TraceFile); err != nil {
				return err
			}
		}
		return rpt.WriteFiles(cfg.Data.ReportPrefix)
	},
}
