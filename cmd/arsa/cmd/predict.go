package cmd

import (
	"context"
	"fmt"
	"path"

	"github.com/spf13/cobra"

	"github.com/iti/arsa"
)

var rhoFile string

var predictCmd = &cobra.Command{
	Use:   "predict FLOWFILE...",
	Short: "predict the rates of flow sets from fitted coefficients",
	Long: `predict reads the coefficients of the last step in a rho csv written by train and prints
the equilibrium rate of every flow in each flow file given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		trainer, err := cfg.BuildTrainer()
		if err != nil {
			return err
		}
		if rhoFile == "" {
			rhoFile = cfg.Data.ReportPrefix + "rho.csv"
		}
		rho, err := lastRho(rhoFile)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		for _, flowFile := range args {
			ext := path.Ext(flowFile)
			flows, err := arsa.ReadFlows(flowFile, ext == ".yaml" || ext == ".yml", nil)
			if err != nil {
				return err
			}
			rates, err := trainer.PredictFlows(ctx, flows, rho)
			if err != nil {
				return fmt.Errorf("%s: %w", flowFile, err)
			}
			for j, rate := range rates {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\t%v\n", flowFile, j, flows[j].TCP, rate)
			}
		}
		return nil
	},
}

func init() {
	predictCmd.Flags().StringVar(&rhoFile, "rho", "", "rho csv to read the coefficients from")
}

// lastRho gathers the coefficients of the highest step in a rho csv
func lastRho(filename string) ([]float64, error) {
	records := []*arsa.RhoRecord{}
	if err := arsa.ReadCSV(filename, &records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s holds no coefficients", arsa.ErrBadFormat, filename)
	}
	last := records[0].Step
	size := 0
	for _, rec := range records {
		if rec.Step > last {
			last = rec.Step
		}
	}
	for _, rec := range records {
		if rec.Step == last && rec.Index+1 > size {
			size = rec.Index + 1
		}
	}
	rho := make([]float64, size)
	for _, rec := range records {
		if rec.Step == last {
			rho[rec.Index] = rec.Rho
		}
	}
	return rho, nil
}
