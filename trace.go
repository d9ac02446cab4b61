package arsa

// trace.go gathers records of estimator iterations and replay events for post-run analysis

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"
	"sync"

	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

type TraceRecordType int

const (
	EstimatorType TraceRecordType = iota
	ReplayType
)

var trtToStr map[TraceRecordType]string = map[TraceRecordType]string{EstimatorType: "estimator", ReplayType: "replay"}

func (trt TraceRecordType) String() string {
	return trtToStr[trt]
}

type TraceInst struct {
	TraceTime string `json:"tracetime" yaml:"tracetime"`
	TraceType string `json:"tracetype" yaml:"tracetype"`
	TraceStr  string `json:"tracestr" yaml:"tracestr"`
}

// NameType is an entry in a dictionary created for a trace
// that maps execution id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TraceManager gathers information about an estimation run or a replay.
// Records are grouped by an execution id, one per estimation call or replayed sample.
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each execution id
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`

	mu sync.Mutex
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used.
// A nil TraceManager is inactive.
func (tm *TraceManager) Active() bool {
	return tm != nil && tm.InUse
}

// AddTrace stores a trace record under execID
func (tm *TraceManager) AddTrace(vrt vrtime.Time, execID int, trace TraceInst) {
	if !tm.Active() {
		return
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.Traces[execID] = append(tm.Traces[execID], trace)
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) error {
	if !tm.Active() {
		return nil
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if _, present := tm.NameByID[id]; present {
		return fmt.Errorf("duplicated id %d in trace dictionary", id)
	}
	tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	return nil
}

// Len returns the number of records held for execID
func (tm *TraceManager) Len(execID int) int {
	if !tm.Active() {
		return 0
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.Traces[execID])
}

// WriteToFile stores the Traces struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
// Nothing is written when the manager is inactive.
func (tm *TraceManager) WriteToFile(filename string) error {
	if !tm.Active() {
		return nil
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()

	bytes, merr := marshalByExt(filename, tm)
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// marshalByExt serializes v as yaml or json depending on the extension of filename
func marshalByExt(filename string, v any) ([]byte, error) {
	switch path.Ext(filename) {
	case ".yaml", ".YAML", ".yml":
		return yaml.Marshal(v)
	case ".json", ".JSON":
		return json.MarshalIndent(v, "", "\t")
	}
	return nil, fmt.Errorf("%w: unrecognized extension on %s", ErrBadFormat, filename)
}

// IterTrace saves the state of the outer estimator after one iteration
type IterTrace struct {
	Iteration int       `json:"iteration" yaml:"iteration"`
	Strategy  string    `json:"strategy" yaml:"strategy"`
	Error     float64   `json:"error" yaml:"error"`
	Damping   float64   `json:"damping,omitempty" yaml:"damping,omitempty"`
	Accepted  bool      `json:"accepted" yaml:"accepted"`
	Theta     []float64 `json:"theta" yaml:"theta,flow"`
	Rho       []float64 `json:"rho" yaml:"rho,flow"`
}

func (itr *IterTrace) TraceType() TraceRecordType {
	return EstimatorType
}

func (itr *IterTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*itr)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// AddIterTrace records one estimator iteration.  The iteration number serves as the time stamp.
func AddIterTrace(tm *TraceManager, execID int, itr *IterTrace) {
	if !tm.Active() {
		return
	}
	vrt := vrtime.CreateTime(int64(itr.Iteration), 0)
	trcInst := TraceInst{TraceTime: strconv.Itoa(itr.Iteration), TraceType: itr.TraceType().String(), TraceStr: itr.Serialize()}
	tm.AddTrace(vrt, execID, trcInst)
}

// ReplayTrace saves information about one event of an online replay
type ReplayTrace struct {
	Time     float64 `json:"time" yaml:"time"`
	Ticks    int64   `json:"ticks" yaml:"ticks"`
	Priority int64   `json:"priority" yaml:"priority"`
	Op       string  `json:"op" yaml:"op"` // "arrive", "train", "query"
	Sample   string  `json:"sample" yaml:"sample"`
	Error    float64 `json:"error" yaml:"error"`
	Elapsed  float64 `json:"elapsed" yaml:"elapsed"` // wall-clock seconds the operation took
}

func (rtr *ReplayTrace) TraceType() TraceRecordType {
	return ReplayType
}

func (rtr *ReplayTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*rtr)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// AddReplayTrace records a replay event at virtual time vrt
func AddReplayTrace(tm *TraceManager, vrt vrtime.Time, execID int, rtr *ReplayTrace) {
	if !tm.Active() {
		return
	}
	rtr.Time = vrt.Seconds()
	rtr.Ticks = vrt.Ticks()
	rtr.Priority = vrt.Pri()

	traceTime := strconv.FormatFloat(vrt.Seconds(), 'f', -1, 64)
	trcInst := TraceInst{TraceTime: traceTime, TraceType: rtr.TraceType().String(), TraceStr: rtr.Serialize()}
	tm.AddTrace(vrt, execID, trcInst)
}
