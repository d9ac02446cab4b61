package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iti/arsa"
)

var (
	cfg    *arsa.Config
	logger *logrus.Logger

	cfgFile string
	verbose bool
	console bool

	// flags that override the configuration when set
	dataDir  string
	closK    int
	strategy string
	form     string
	workers  int
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "arsa",
	Short: "estimate the NUM weights behind measured flow rates",
	Long: `arsa fits the scaling coefficients of a weighted alpha-fair utility so that the
equilibrium of the network utility maximization problem reproduces the flow rates
measured on a Clos network, and predicts the rates of new flow sets from them.`,
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = arsa.InitLogging(os.Stderr, verbose, console)
		return loadConfig(cmd)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error(err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "run configuration, json or yaml by extension")
	flags.BoolVar(&verbose, "verbose", false, "print debug output")
	flags.BoolVar(&console, "console", false, "log human readable text instead of json")
	flags.StringVar(&dataDir, "dir", "", "directory holding the samples")
	flags.IntVar(&closK, "k", 0, "Clos network parameter")
	flags.StringVar(&strategy, "strategy", "", "outer search, lsq or fixed")
	flags.StringVar(&form, "form", "", "inner solver form: inequality, augmented, admm or admm-coordinate")
	flags.IntVar(&workers, "workers", 0, "samples evaluated concurrently")

	rootCmd.AddCommand(trainCmd, predictCmd, replayCmd, genCmd)
}

// loadConfig reads the configuration file, if any, applies the flags that were set and validates the result
func loadConfig(cmd *cobra.Command) error {
	var err error
	if cfgFile == "" {
		cfg = arsa.Default()
	} else {
		cfg, err = arsa.ReadConfigFile(cfgFile)
		if err != nil {
			return err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("dir") {
		cfg.Data.Dir = dataDir
	}
	if flags.Changed("k") {
		cfg.Topology.K = closK
	}
	if flags.Changed("strategy") {
		cfg.Estimator.Strategy = strategy
	}
	if flags.Changed("form") {
		cfg.Solver.Form = form
	}
	if flags.Changed("workers") {
		cfg.Estimator.Workers = workers
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.WithField("name", cfg.Name).WithField("k", cfg.Topology.K).Debug("configuration loaded")
	return nil
}
