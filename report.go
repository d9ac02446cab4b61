package arsa

// report.go holds the records written after training and prediction runs and
// stores them as csv

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/gocarina/gocsv"
)

// RhoRecord is one coefficient of the vector estimated after a training step
type RhoRecord struct {
	Step   int     `csv:"step"`
	Sample string  `csv:"sample"`
	Index  int     `csv:"index"`
	Rho    float64 `csv:"rho"`
}

// TimingRecord is the wall-clock time one training or prediction call took
type TimingRecord struct {
	Phase   string  `csv:"phase"`
	Sample  string  `csv:"sample"`
	Seconds float64 `csv:"seconds"`
}

// PredictionRecord compares the predicted and observed rate of one flow.  Cycle is the
// training step whose coefficients made the prediction.
type PredictionRecord struct {
	Cycle     int     `csv:"cycle"`
	Sample    string  `csv:"sample"`
	Flow      int     `csv:"flow"`
	Observed  float64 `csv:"observed"`
	Predicted float64 `csv:"predicted"`
	Abs       float64 `csv:"abs"`
	Rel       float64 `csv:"rel"`
}

// A Report accumulates the records of a training and prediction session
type Report struct {
	Rho         []*RhoRecord
	Timing      []*TimingRecord
	Predictions []*PredictionRecord
}

// NewReport is a constructor
func NewReport() *Report {
	return &Report{Rho: []*RhoRecord{}, Timing: []*TimingRecord{}, Predictions: []*PredictionRecord{}}
}

// AddRho records the coefficients estimated at a training step
func (rpt *Report) AddRho(step int, sample string, rho []float64) {
	for idx, r := range rho {
		rpt.Rho = append(rpt.Rho, &RhoRecord{Step: step, Sample: sample, Index: idx, Rho: r})
	}
}

// AddTiming records how long an operation took
func (rpt *Report) AddTiming(phase, sample string, elapsed time.Duration) {
	rpt.Timing = append(rpt.Timing, &TimingRecord{Phase: phase, Sample: sample, Seconds: elapsed.Seconds()})
}

// AddPrediction records the errors of predicted rates against the observed rates of smpl,
// limited to the sample's query flows
func (rpt *Report) AddPrediction(cycle int, smpl Sample, predicted []float64) error {
	if len(predicted) != len(smpl.Rates) {
		return fmt.Errorf("%w: %d predicted and %d observed rates for %s", ErrDimension, len(predicted), len(smpl.Rates), smpl.Name)
	}
	for j := 0; j < smpl.QueryLen(); j++ {
		abs := predicted[j] - smpl.Rates[j]
		rpt.Predictions = append(rpt.Predictions, &PredictionRecord{
			Cycle:     cycle,
			Sample:    smpl.Name,
			Flow:      j,
			Observed:  smpl.Rates[j],
			Predicted: predicted[j],
			Abs:       abs,
			Rel:       abs / math.Max(math.Abs(smpl.Rates[j]), RateFloor),
		})
	}
	return nil
}

// WriteCSV stores a slice of records (of one of the record types) to filename with a header row
func WriteCSV(filename string, records any) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := gocsv.MarshalFile(records, file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// ReadCSV loads records written by WriteCSV into out, a pointer to a slice of records
func ReadCSV(filename string, out any) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	return gocsv.UnmarshalFile(file, out)
}

// WriteFiles stores the three tables of the report as <prefix>rho.csv, <prefix>timing.csv
// and <prefix>predictions.csv
func (rpt *Report) WriteFiles(prefix string) error {
	if err := WriteCSV(prefix+"rho.csv", rpt.Rho); err != nil {
		return err
	}
	if err := WriteCSV(prefix+"timing.csv", rpt.Timing); err != nil {
		return err
	}
	return WriteCSV(prefix+"predictions.csv", rpt.Predictions)
}

// Session runs the train-then-test cycle over sample sets: each training sample is added
// incrementally, and after every training step each test sample is predicted with the
// coefficients of that step.  Training rho, timings and prediction errors go to the report.
func (tr *Trainer) Session(ctx context.Context, train, test []Sample) (*Report, State, error) {
	rpt := NewReport()
	st := tr.InitState()
	if len(train) == 0 {
		return rpt, st, ErrNoSamples
	}

	rhos := make([][]float64, 0, len(train))
	for step, smpl := range train {
		begin := time.Now()
		next, res, err := tr.TrainNg(ctx, st, smpl)
		if err != nil {
			return rpt, st, err
		}
		rpt.AddTiming("train", smpl.Name, time.Since(begin))
		st = next
		rpt.AddRho(step, smpl.Name, res.Rho)
		rhos = append(rhos, res.Rho)
	}

	for cycle, rho := range rhos {
		for _, smpl := range test {
			begin := time.Now()
			predicted, err := tr.PredictFlows(ctx, smpl.Flows, rho)
			if err != nil {
				return rpt, st, fmt.Errorf("predicting %s: %w", smpl.Name, err)
			}
			rpt.AddTiming("test", smpl.Name, time.Since(begin))
			if err := rpt.AddPrediction(cycle, smpl, predicted); err != nil {
				return rpt, st, err
			}
		}
	}
	return rpt, st, nil
}
