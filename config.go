package arsa

// config.go holds the description of a training, prediction or replay run as read
// from a json or yaml file, and builds the estimator and topology it names

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/iti/rngstream"
	"gopkg.in/yaml.v3"
)

// EstimatorCfg selects and tunes the outer estimator
type EstimatorCfg struct {
	Param     string  `json:"param" yaml:"param"`
	Reference int     `json:"reference" yaml:"reference"`
	Strategy  string  `json:"strategy" yaml:"strategy"`
	Residual  string  `json:"residual" yaml:"residual"`
	Tol       float64 `json:"tol" yaml:"tol"`
	MaxIter   int     `json:"maxiter" yaml:"maxiter"`
	Step      float64 `json:"step" yaml:"step"`
	Workers   int     `json:"workers" yaml:"workers"`
}

// SolverCfg tunes the inner equilibrium solver.  Timeout is a duration string such as "2s".
type SolverCfg struct {
	Form      string  `json:"form" yaml:"form"`
	GapTol    float64 `json:"gaptol" yaml:"gaptol"`
	MaxNewton int     `json:"maxnewton" yaml:"maxnewton"`
	MaxOuter  int     `json:"maxouter" yaml:"maxouter"`
	Retries   int     `json:"retries" yaml:"retries"`
	Timeout   string  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// TopologyCfg describes the Clos network the samples were measured on
type TopologyCfg struct {
	K        int                `json:"k" yaml:"k"`
	Method   string             `json:"method" yaml:"method"`
	TCPAlpha map[string]float64 `json:"tcpalpha" yaml:"tcpalpha"`
}

// DataCfg locates the samples and names the outputs of a run
type DataCfg struct {
	Dir          string   `json:"dir" yaml:"dir"`
	TrainPrefix  string   `json:"trainprefix" yaml:"trainprefix"`
	TestPrefix   string   `json:"testprefix" yaml:"testprefix"`
	RateSuffixes []string `json:"ratesuffixes" yaml:"ratesuffixes"`
	ReportPrefix string   `json:"reportprefix" yaml:"reportprefix"`
	TraceFile    string   `json:"tracefile,omitempty" yaml:"tracefile,omitempty"`
}

// Config gathers everything a run needs
type Config struct {
	Name        string             `json:"name" yaml:"name"`
	Seed        uint64             `json:"seed,omitempty" yaml:"seed,omitempty"`
	Estimator   EstimatorCfg       `json:"estimator" yaml:"estimator"`
	Solver      SolverCfg          `json:"solver" yaml:"solver"`
	Sensitivity SensitivityOptions `json:"sensitivity" yaml:"sensitivity"`
	Topology    TopologyCfg        `json:"topology" yaml:"topology"`
	Replay      ReplayConfig       `json:"replay" yaml:"replay"`
	Data        DataCfg            `json:"data" yaml:"data"`
}

// Default returns the configuration of a k=4 Clos run with the default estimator
func Default() *Config {
	solver := DefaultSolverOptions()
	tcpAlpha := make(map[string]float64)
	for name, alpha := range DefaultTCPAlpha {
		tcpAlpha[name] = alpha
	}
	return &Config{
		Name: "arsa",
		Estimator: EstimatorCfg{
			Param:    Spherical{}.Name(),
			Strategy: LeastSquares.String(),
			Residual: RelativeResidual.String(),
			Tol:      0.01,
			MaxIter:  100,
			Step:     0.1,
			Workers:  1,
		},
		Solver: SolverCfg{
			Form:      solver.Form.String(),
			GapTol:    solver.GapTol,
			MaxNewton: solver.MaxNewton,
			MaxOuter:  solver.MaxOuter,
			Retries:   solver.Retries,
		},
		Sensitivity: DefaultSensitivityOptions(),
		Topology:    TopologyCfg{K: 4, Method: SenderHopClass.String(), TCPAlpha: tcpAlpha},
		Replay:      DefaultReplayConfig(),
		Data: DataCfg{
			Dir:          ".",
			TrainPrefix:  "train",
			TestPrefix:   "test",
			RateSuffixes: append([]string(nil), DefaultRateSuffixes...),
			ReportPrefix: "arsa-",
		},
	}
}

// ReadConfig deserializes a Config.  If the dict slice of bytes is empty the bytes are
// read from filename.  Fields the input leaves out keep their Default values.
func ReadConfig(filename string, useYAML bool, dict []byte) (*Config, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	cfg := Default()
	if useYAML {
		err = yaml.Unmarshal(dict, cfg)
	} else {
		err = json.Unmarshal(dict, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: config %s: %v", ErrBadFormat, filename, err)
	}
	return cfg, nil
}

// ReadConfigFile reads a Config choosing json or yaml by the file's extension
func ReadConfigFile(filename string) (*Config, error) {
	return ReadConfig(filename, isYAMLExt(path.Ext(filename)), []byte{})
}

// WriteToFile stores the Config to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (cfg *Config) WriteToFile(filename string) error {
	bytes, merr := marshalByExt(filename, cfg)
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// Validate reports every setting that cannot be used, folded into one error
func (cfg *Config) Validate() error {
	errs := []error{}

	if _, ok := ParameterizationFromStr(cfg.Estimator.Param, cfg.Estimator.Reference); !ok {
		errs = append(errs, fmt.Errorf("unknown parameterization %q", cfg.Estimator.Param))
	}
	if _, ok := StrategyFromStr(cfg.Estimator.Strategy); !ok {
		errs = append(errs, fmt.Errorf("unknown strategy %q", cfg.Estimator.Strategy))
	}
	if _, ok := ResidualFromStr(cfg.Estimator.Residual); !ok {
		errs = append(errs, fmt.Errorf("unknown residual %q", cfg.Estimator.Residual))
	}
	if !(cfg.Estimator.Tol > 0) {
		errs = append(errs, fmt.Errorf("estimator tolerance %v is not positive", cfg.Estimator.Tol))
	}
	if cfg.Estimator.MaxIter < 1 {
		errs = append(errs, fmt.Errorf("estimator iteration cap %d is below 1", cfg.Estimator.MaxIter))
	}
	if cfg.Estimator.Workers < 0 {
		errs = append(errs, fmt.Errorf("negative worker count %d", cfg.Estimator.Workers))
	}

	if _, ok := FormFromStr(cfg.Solver.Form); !ok {
		errs = append(errs, fmt.Errorf("unknown solver form %q", cfg.Solver.Form))
	}
	if cfg.Solver.Timeout != "" {
		if _, err := time.ParseDuration(cfg.Solver.Timeout); err != nil {
			errs = append(errs, fmt.Errorf("solver timeout: %w", err))
		}
	}

	if cfg.Topology.K < 2 {
		errs = append(errs, fmt.Errorf("Clos parameter k=%d is below 2", cfg.Topology.K))
	}
	if _, ok := RhoMethodFromStr(cfg.Topology.Method); !ok {
		errs = append(errs, fmt.Errorf("unknown rho method %q", cfg.Topology.Method))
	}
	for name, alpha := range cfg.Topology.TCPAlpha {
		if !(alpha > 0) {
			errs = append(errs, fmt.Errorf("TCP variant %s has alpha %v", name, alpha))
		}
	}

	if cfg.Replay.SampleRate < 0 || cfg.Replay.QueryRate < 0 || cfg.Replay.TrainCost < 0 {
		errs = append(errs, fmt.Errorf("replay rates and cost must not be negative"))
	}

	if err := ReportErrs(errs); err != nil {
		return fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	return nil
}

// SolverOptions converts the solver settings
func (cfg *Config) SolverOptions() (SolverOptions, error) {
	form, ok := FormFromStr(cfg.Solver.Form)
	if !ok {
		return SolverOptions{}, fmt.Errorf("%w: unknown solver form %q", ErrBadFormat, cfg.Solver.Form)
	}
	opts := SolverOptions{
		Form:      form,
		GapTol:    cfg.Solver.GapTol,
		MaxNewton: cfg.Solver.MaxNewton,
		MaxOuter:  cfg.Solver.MaxOuter,
		Retries:   cfg.Solver.Retries,
	}
	if cfg.Solver.Timeout != "" {
		timeout, err := time.ParseDuration(cfg.Solver.Timeout)
		if err != nil {
			return SolverOptions{}, fmt.Errorf("%w: solver timeout: %v", ErrBadFormat, err)
		}
		opts.Timeout = timeout
	}
	return opts, nil
}

// BuildEstimator returns the estimator the configuration describes
func (cfg *Config) BuildEstimator() (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	est := NewEstimator()
	est.Param, _ = ParameterizationFromStr(cfg.Estimator.Param, cfg.Estimator.Reference)
	est.Strategy, _ = StrategyFromStr(cfg.Estimator.Strategy)
	est.Residual, _ = ResidualFromStr(cfg.Estimator.Residual)
	est.Tol = cfg.Estimator.Tol
	est.MaxIter = cfg.Estimator.MaxIter
	if cfg.Estimator.Step > 0 {
		est.Step = cfg.Estimator.Step
	}
	if cfg.Estimator.Workers > 0 {
		est.Workers = cfg.Estimator.Workers
	}
	solver, err := cfg.SolverOptions()
	if err != nil {
		return nil, err
	}
	est.Solver = solver
	est.Sensitivity = cfg.Sensitivity
	return est, nil
}

// BuildTopology returns the Clos topology the configuration describes
func (cfg *Config) BuildTopology() (Topology, error) {
	method, ok := RhoMethodFromStr(cfg.Topology.Method)
	if !ok {
		return Topology{}, fmt.Errorf("%w: unknown rho method %q", ErrBadFormat, cfg.Topology.Method)
	}
	var table map[string]float64
	if len(cfg.Topology.TCPAlpha) > 0 {
		table = cfg.Topology.TCPAlpha
	}
	return NewTopology(cfg.Topology.K, method, table), nil
}

// BuildTrainer returns a Trainer over the configured estimator and topology
func (cfg *Config) BuildTrainer() (*Trainer, error) {
	est, err := cfg.BuildEstimator()
	if err != nil {
		return nil, err
	}
	topo, err := cfg.BuildTopology()
	if err != nil {
		return nil, err
	}
	return NewTrainer(est, topo), nil
}

// Rng returns a random stream named after the run.  A non-zero Seed fixes the master seed
// of every stream created afterwards.
func (cfg *Config) Rng(stream string) *rngstream.RngStream {
	if cfg.Seed != 0 {
		rngstream.SetRngStreamMasterSeed(cfg.Seed)
	}
	return rngstream.New(cfg.Name + "-" + stream)
}

// LoadSamples reads the training and test sample sets from the data directory
func (cfg *Config) LoadSamples() (train, test []Sample, err error) {
	suffixes := cfg.Data.RateSuffixes
	if len(suffixes) == 0 {
		suffixes = DefaultRateSuffixes
	}
	train, err = LoadSampleDir(cfg.Data.Dir, cfg.Data.TrainPrefix, suffixes)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Data.TestPrefix == "" {
		return train, nil, nil
	}
	test, err = LoadSampleDir(cfg.Data.Dir, cfg.Data.TestPrefix, suffixes)
	if err != nil {
		return nil, nil, err
	}
	return train, test, nil
}
