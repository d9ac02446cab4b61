package arsa

// replay.go replays a measurement campaign in virtual time.  Training samples arrive one
// by one, each arrival queues an incremental training task on a single-core task scheduler,
// and prediction queries arrive in between and are answered from a snapshot of whatever
// coefficients the last completed training task published.

import (
	"context"
	"fmt"
	"time"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
)

// ReplayConfig sets the virtual-time behaviour of a replay
type ReplayConfig struct {
	// Arrival names the inter-arrival distribution of samples and queries, exponential or constant
	Arrival string `json:"arrival" yaml:"arrival"`

	// SampleRate and QueryRate are arrivals per virtual second
	SampleRate float64 `json:"samplerate" yaml:"samplerate"`
	QueryRate  float64 `json:"queryrate" yaml:"queryrate"`

	// TrainCost is the virtual service time of a training task per observation in its history
	TrainCost float64 `json:"traincost" yaml:"traincost"`

	// TimeSlice bounds the service a training task receives before yielding; 0 means no slicing
	TimeSlice float64 `json:"timeslice" yaml:"timeslice"`

	// Horizon is the virtual time queries keep arriving until.  With 0, queries stop
	// once every sample has been trained on.
	Horizon float64 `json:"horizon" yaml:"horizon"`
}

// replayLimit bounds the virtual time of a replay with no horizon
const replayLimit = 1e9

// DefaultReplayConfig returns a Poisson replay with one sample and two queries per second
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{Arrival: "exponential", SampleRate: 1.0, QueryRate: 2.0, TrainCost: 0.1}
}

// A Replay holds the state of one virtual-time replay
type Replay struct {
	cfg     ReplayConfig
	trainer *Trainer
	store   *CoefficientStore
	sched   *TaskScheduler
	train   []Sample
	test    []Sample

	samples *ArrivalProcess
	queries *ArrivalProcess

	trace  *TraceManager
	report *Report

	ctx     context.Context
	err     error
	arrived int
	trained int
	queried int
}

// NewReplay is a constructor.  trace may be nil.
func NewReplay(trainer *Trainer, train, test []Sample, cfg ReplayConfig, rng *rngstream.RngStream, trace *TraceManager) (*Replay, error) {
	if len(train) == 0 {
		return nil, ErrNoSamples
	}
	if rng == nil {
		rng = rngstream.New("replay")
	}
	samples, err := NewArrivalProcess(cfg.Arrival, cfg.SampleRate, rng)
	if err != nil {
		return nil, fmt.Errorf("sample arrivals: %w", err)
	}
	rp := &Replay{
		cfg:     cfg,
		trainer: trainer,
		store:   NewCoefficientStore(trainer.Estimator.Param, trainer.InitState()),
		sched:   CreateTaskScheduler(1),
		train:   train,
		test:    test,
		samples: samples,
		trace:   trace,
		report:  NewReport(),
	}
	if len(test) > 0 {
		rp.queries, err = NewArrivalProcess(cfg.Arrival, cfg.QueryRate, rng)
		if err != nil {
			return nil, fmt.Errorf("query arrivals: %w", err)
		}
	}
	return rp, nil
}

// Store gives access to the coefficients the replay publishes
func (rp *Replay) Store() *CoefficientStore {
	return rp.store
}

// Run executes the replay to completion and returns its report and the final State.
// The first error met by a training task or query stops the replay.
func (rp *Replay) Run(ctx context.Context) (*Report, State, error) {
	rp.ctx = ctx
	evtMgr := evtm.New()

	evtMgr.Schedule(rp, nil, sampleArrival, vrtime.SecondsToTime(rp.samples.Next()))
	if rp.queries != nil {
		evtMgr.Schedule(rp, nil, queryArrival, vrtime.SecondsToTime(rp.queries.Next()))
	}

	limit := rp.cfg.Horizon
	if !(limit > 0) {
		limit = replayLimit
	}
	evtMgr.Run(limit)

	if rp.err == nil && rp.trained < len(rp.train) {
		rp.err = fmt.Errorf("replay horizon %v reached with %d of %d samples trained", limit, rp.trained, len(rp.train))
	}
	return rp.report, rp.store.Snapshot(), rp.err
}

// fail records the first error.  Handlers do nothing once an error is recorded,
// so the event list drains and the run ends.
func (rp *Replay) fail(err error) {
	if rp.err == nil {
		rp.err = err
	}
}

// sampleArrival queues the training task of the next sample and schedules the following arrival
func sampleArrival(evtMgr *evtm.EventManager, ctxt any, data any) any {
	rp := ctxt.(*Replay)
	if rp.err != nil {
		return nil
	}
	smpl := rp.train[rp.arrived]
	rp.arrived += 1

	// the task refits the whole history, so its cost grows with it
	req := rp.cfg.TrainCost * float64(rp.arrived)
	id, _ := rp.sched.Schedule(evtMgr, "train", req, rp.cfg.TimeSlice, rp, smpl, trainComplete)
	AddReplayTrace(rp.trace, evtMgr.CurrentTime(), id, &ReplayTrace{Op: "arrive", Sample: smpl.Name})

	if rp.arrived < len(rp.train) {
		evtMgr.Schedule(rp, nil, sampleArrival, vrtime.SecondsToTime(rp.samples.Next()))
	}
	return nil
}

// trainComplete publishes the coefficients of a finished training task
func trainComplete(evtMgr *evtm.EventManager, ctxt any, data any) any {
	rp := ctxt.(*Replay)
	task := data.(*Task)
	smpl := task.Data.(Sample)
	if rp.err != nil {
		return nil
	}

	begin := time.Now()
	var res *Result
	err := rp.store.Update(rp.ctx, func(ctx context.Context, st State) (State, error) {
		next, r, err := rp.trainer.TrainNg(ctx, st, smpl)
		res = r
		return next, err
	})
	if err != nil {
		rp.fail(err)
		return nil
	}
	elapsed := time.Since(begin)

	rp.report.AddTiming("train", smpl.Name, elapsed)
	rp.report.AddRho(rp.trained, smpl.Name, res.Rho)
	rp.trained += 1
	AddReplayTrace(rp.trace, evtMgr.CurrentTime(), task.ID, &ReplayTrace{Op: "train", Sample: smpl.Name, Error: res.Error, Elapsed: elapsed.Seconds()})
	return nil
}

// queryArrival predicts the rates of the next test sample from a snapshot of the coefficients
func queryArrival(evtMgr *evtm.EventManager, ctxt any, data any) any {
	rp := ctxt.(*Replay)
	if rp.err != nil {
		return nil
	}
	smpl := rp.test[rp.queried%len(rp.test)]
	rp.queried += 1

	// before the first training task completes there is nothing to predict with
	rho := rp.store.Rho()
	if rho != nil && rp.trained > 0 {
		begin := time.Now()
		predicted, err := rp.trainer.PredictFlows(rp.ctx, smpl.Flows, rho)
		if err != nil {
			rp.fail(fmt.Errorf("query %s: %w", smpl.Name, err))
			return nil
		}
		elapsed := time.Since(begin)
		rp.report.AddTiming("test", smpl.Name, elapsed)
		if err := rp.report.AddPrediction(rp.trained-1, smpl, predicted); err != nil {
			rp.fail(err)
			return nil
		}
		AddReplayTrace(rp.trace, evtMgr.CurrentTime(), -rp.queried, &ReplayTrace{Op: "query", Sample: smpl.Name, Elapsed: elapsed.Seconds()})
	}

	gap := rp.queries.Next()
	more := rp.trained < len(rp.train)
	if rp.cfg.Horizon > 0 {
		more = evtMgr.CurrentSeconds()+gap < rp.cfg.Horizon
	}
	if more {
		evtMgr.Schedule(rp, nil, queryArrival, vrtime.SecondsToTime(gap))
	}
	return nil
}
