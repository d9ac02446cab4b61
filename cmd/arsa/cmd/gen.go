package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/iti/arsa"
)

var (
	genTrain    int
	genTest     int
	genFlows    int
	genQuery    int
	genMultiTCP bool
	genDuration float64
	genRandRho  bool
)

var genCmd = &cobra.Command{
	Use:   "gen",
	Short: "generate synthetic samples on a Clos network",
	Long: `gen draws random flow sets between hosts of the configured Clos network, solves their
equilibrium under a known coefficient vector, and writes each flow set with its rates into the
data directory as train<n> and test<n> samples.  Test flow sets are drawn from the flows of
the training sets.  The coefficients used are written to <reportprefix>truth.csv.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		trainer, err := cfg.BuildTrainer()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
			return err
		}
		rng := cfg.Rng("gen")

		p := trainer.Topology.NumCoefficients()
		theta := arsa.DefaultTheta(p)
		if genRandRho {
			theta = arsa.RandomTheta(p, rng)
		}
		rho := arsa.Spherical2Cartesian(theta)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		pool := []arsa.Flow{}
		for i := 0; i < genTrain; i++ {
			flows := arsa.RandomFlows(genFlows, cfg.Topology.K, rng, genMultiTCP, genDuration)
			name := fmt.Sprintf("%s%03d", cfg.Data.TrainPrefix, i)
			if err := writeSynthetic(ctx, trainer, name, flows, rho, 0); err != nil {
				return err
			}
			pool = append(pool, flows...)
		}
		for i := 0; i < genTest; i++ {
			flows := arsa.SampleFlows(pool, genFlows, rng)
			name := fmt.Sprintf("%s%03d", cfg.Data.TestPrefix, i)
			if err := writeSynthetic(ctx, trainer, name, flows, rho, genQuery); err != nil {
				return err
			}
		}

		rpt := arsa.NewReport()
		rpt.AddRho(0, "truth", rho)
		logger.WithField("train", genTrain).WithField("test", genTest).WithField("dir", cfg.Data.Dir).Info("samples generated")
		return arsa.WriteCSV(cfg.Data.ReportPrefix+"truth.csv", rpt.Rho)
	},
}

func init() {
	flags := genCmd.Flags()
	flags.IntVar(&genTrain, "train", 10, "number of training samples")
	flags.IntVar(&genTest, "test", 2, "number of test samples")
	flags.IntVar(&genFlows, "flows", 8, "flows per sample")
	flags.IntVar(&genQuery, "query", 0, "leading test flows evaluated; 0 evaluates all")
	flags.BoolVar(&genMultiTCP, "multitcp", false, "mix vegas and reno flows")
	flags.Float64Var(&genDuration, "duration", 60.0, "seconds each flow runs")
	flags.BoolVar(&genRandRho, "random-rho", false, "draw the coefficients at random instead of equal")
}

// writeSynthetic solves the equilibrium of flows under rho and stores the sample,
// with a query file of the leading flows when query is positive
func writeSynthetic(ctx context.Context, trainer *arsa.Trainer, name string, flows []arsa.Flow, rho []float64, query int) error {
	rates, err := trainer.PredictFlows(ctx, flows, rho)
	if err != nil {
		return fmt.Errorf("sample %s: %w", name, err)
	}
	smpl := arsa.Sample{Name: name, Flows: flows, Rates: rates}
	if err := arsa.WriteSample(cfg.Data.Dir, smpl, ".json", ""); err != nil {
		return err
	}
	if query > 0 && query < len(flows) && len(name) > len(cfg.Data.TestPrefix) {
		queryName := "query" + name[len(cfg.Data.TestPrefix):] + ".json"
		return arsa.WriteFlows(filepath.Join(cfg.Data.Dir, queryName), flows[:query])
	}
	return nil
}
