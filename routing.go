package arsa

// routing.go turns a list of flows over a Clos network into the data of a NUM problem:
// the routing matrix over the links that can be fully utilized, the fairness exponent
// of each flow's TCP variant and the coefficient class of each flow

import (
	"fmt"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"
)

// A Flow runs between two hosts of a Clos network.  A host address is the triple
// (pod, edge switch within the pod, host port on the edge switch).
type Flow struct {
	TCP   string  `json:"tcp" yaml:"tcp"`
	From  [3]int  `json:"from" yaml:"from,flow"`
	To    [3]int  `json:"to" yaml:"to,flow"`
	Start float64 `json:"start,omitempty" yaml:"start,omitempty"`
	Stop  float64 `json:"stop,omitempty" yaml:"stop,omitempty"`
}

// DefaultTCPAlpha gives the fairness exponent of each TCP variant
var DefaultTCPAlpha = map[string]float64{
	"vegas": 1.0,
	"reno":  2.0,
}

// linkKey identifies a host access link: the host address plus 0 for its
// uplink (host to edge switch) or 1 for its downlink
type linkKey [4]int

func uplink(addr [3]int) linkKey   { return linkKey{addr[0], addr[1], addr[2], 0} }
func downlink(addr [3]int) linkKey { return linkKey{addr[0], addr[1], addr[2], 1} }

// RoutingMatrix builds the 0/1 routing matrix of flows.  Each flow crosses the uplink of
// its sender and the downlink of its receiver.  A link whose set of flows is contained
// in another link's set cannot be the binding constraint of any flow and gets no row,
// and of links carrying identical sets only one is kept.
func RoutingMatrix(flows []Flow) (*mat.Dense, error) {
	if len(flows) == 0 {
		return nil, fmt.Errorf("%w: no flows", ErrInvalidTopology)
	}

	nflows := len(flows)
	usage := make(map[linkKey][]float64)
	keys := []linkKey{}
	use := func(key linkKey, j int) {
		row, present := usage[key]
		if !present {
			row = make([]float64, nflows)
			usage[key] = row
			keys = append(keys, key)
		}
		row[j] = 1.0
	}
	for j, flow := range flows {
		if flow.From == flow.To {
			return nil, fmt.Errorf("%w: flow %d has the same sender and receiver", ErrInvalidTopology, j)
		}
		use(uplink(flow.From), j)
		use(downlink(flow.To), j)
	}

	rows := [][]float64{}
	for len(keys) > 0 {
		key := keys[len(keys)-1]
		keys = keys[:len(keys)-1]
		l := usage[key]

		valid := true
		remaining := keys[:0:0]
		for idx, kp := range keys {
			switch subsumption(l, usage[kp]) {
			case 0, 1:
				// kp's flows are all on key: drop kp
			case 2:
				// key's flows are a strict subset of kp's
				valid = false
				remaining = append(remaining, keys[idx:]...)
			default:
				remaining = append(remaining, kp)
			}
			if !valid {
				break
			}
		}
		keys = remaining
		if valid {
			rows = append(rows, l)
		}
	}

	data := make([]float64, 0, len(rows)*nflows)
	for _, row := range rows {
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), nflows, data), nil
}

// subsumption compares two utilization sets l and lp.  Bit 0 is set when l carries a flow
// lp does not, bit 1 when lp carries a flow l does not.
func subsumption(l, lp []float64) int {
	s := 0
	for j := range l {
		switch d := l[j] - lp[j]; {
		case d > 0:
			s |= 1
		case d < 0:
			s |= 2
		}
	}
	return s
}

// RhoMethod selects how flows are grouped into coefficient classes
type RhoMethod int

const (
	// SenderHopClass gives each sender host its own classes, one per hop class
	SenderHopClass RhoMethod = iota

	// TCPHopClass gives each TCP variant its own classes, one per hop class
	TCPHopClass
)

var rhoMethodToStr = map[RhoMethod]string{SenderHopClass: "sender-hc", TCPHopClass: "tcp-hc"}

func (rm RhoMethod) String() string {
	return rhoMethodToStr[rm]
}

// RhoMethodFromStr maps a configuration string to a RhoMethod
func RhoMethodFromStr(name string) (RhoMethod, bool) {
	if name == "" {
		return SenderHopClass, true
	}
	for rm, str := range rhoMethodToStr {
		if str == name {
			return rm, true
		}
	}
	return SenderHopClass, false
}

// NumHopClasses counts the hop classes: same edge switch, same pod, different pods
const NumHopClasses = 3

// HopClass is 2 when the hosts are in different pods, 1 when they share a pod but
// not an edge switch, and 0 when they share an edge switch
func HopClass(from, to [3]int) int {
	if from[0] != to[0] {
		return 2
	}
	if from[1] != to[1] {
		return 1
	}
	return 0
}

// TCPNames returns the variants of an alpha table in sorted order, which fixes their class index
func TCPNames(alphaTable map[string]float64) []string {
	names := make([]string, 0, len(alphaTable))
	for name := range alphaTable {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// NumCoefficients is the number of coefficient classes RhoIndex can produce on a
// Clos network of parameter k
func NumCoefficients(k int, method RhoMethod, alphaTable map[string]float64) int {
	k2 := k / 2
	if method == TCPHopClass {
		return len(alphaTable) * NumHopClasses
	}
	return 2 * k2 * k2 * k2 * NumHopClasses
}

// RhoIndex maps each flow to its coefficient class on a Clos network of parameter k
func RhoIndex(flows []Flow, k int, method RhoMethod, alphaTable map[string]float64) ([]int, error) {
	k2 := k / 2
	if k2 < 1 {
		return nil, fmt.Errorf("%w: Clos parameter %d", ErrInvalidTopology, k)
	}
	tcpIdx := make(map[string]int)
	for idx, name := range TCPNames(alphaTable) {
		tcpIdx[name] = idx
	}

	rhoIdx := make([]int, len(flows))
	for j, flow := range flows {
		if err := checkAddress(flow.From, k); err != nil {
			return nil, fmt.Errorf("flow %d sender: %w", j, err)
		}
		if err := checkAddress(flow.To, k); err != nil {
			return nil, fmt.Errorf("flow %d receiver: %w", j, err)
		}
		hc := HopClass(flow.From, flow.To)

		switch method {
		case TCPHopClass:
			idx, present := tcpIdx[flow.TCP]
			if !present {
				return nil, fmt.Errorf("%w: flow %d uses unknown TCP variant %q", ErrBadFormat, j, flow.TCP)
			}
			rhoIdx[j] = idx*NumHopClasses + hc
		default:
			si, sj, sk := flow.From[0], flow.From[1], flow.From[2]
			rhoIdx[j] = (si*k2*k2+sj*k2+sk)*NumHopClasses + hc
		}
	}
	return rhoIdx, nil
}

// checkAddress verifies that addr names a host of a Clos network of parameter k
func checkAddress(addr [3]int, k int) error {
	k2 := k / 2
	if addr[0] < 0 || addr[0] >= 2*k2 || addr[1] < 0 || addr[1] >= k2 || addr[2] < 0 || addr[2] >= k2 {
		return fmt.Errorf("%w: host %v is not in a Clos network of parameter %d", ErrInvalidTopology, addr, k)
	}
	return nil
}

// Alphas looks up the fairness exponent of every flow
func Alphas(flows []Flow, alphaTable map[string]float64) ([]float64, error) {
	alpha := make([]float64, len(flows))
	for j, flow := range flows {
		a, present := alphaTable[flow.TCP]
		if !present {
			return nil, fmt.Errorf("%w: flow %d uses unknown TCP variant %q", ErrBadFormat, j, flow.TCP)
		}
		alpha[j] = a
	}
	return alpha, nil
}

// Topology fixes how flows are turned into problems: the Clos parameter,
// the coefficient grouping and the TCP alpha table
type Topology struct {
	K        int
	Method   RhoMethod
	TCPAlpha map[string]float64
}

// NewTopology is a constructor.  A nil alpha table selects DefaultTCPAlpha.
func NewTopology(k int, method RhoMethod, alphaTable map[string]float64) Topology {
	if alphaTable == nil {
		alphaTable = DefaultTCPAlpha
	}
	return Topology{K: k / 2 * 2, Method: method, TCPAlpha: alphaTable}
}

// NumCoefficients is the length of the coefficient vector shared by every problem of the topology
func (topo Topology) NumCoefficients() int {
	return NumCoefficients(topo.K, topo.Method, topo.TCPAlpha)
}

// BuildProblem derives the NUM problem of flows: the routing matrix, unit capacities,
// the alpha of each flow's TCP variant and the coefficient index of each flow
func (topo Topology) BuildProblem(flows []Flow) (*Problem, error) {
	a, err := RoutingMatrix(flows)
	if err != nil {
		return nil, err
	}
	links, _ := a.Dims()
	c := make([]float64, links)
	for k := range c {
		c[k] = 1.0
	}
	alpha, err := Alphas(flows, topo.TCPAlpha)
	if err != nil {
		return nil, err
	}
	rhoIdx, err := RhoIndex(flows, topo.K, topo.Method, topo.TCPAlpha)
	if err != nil {
		return nil, err
	}
	return NewProblem(a, c, alpha, rhoIdx)
}

// BuildObservation derives the problem of a sample and pairs it with the sample's rates
func (topo Topology) BuildObservation(sample Sample) (Observation, error) {
	prob, err := topo.BuildProblem(sample.Flows)
	if err != nil {
		return Observation{}, fmt.Errorf("sample %s: %w", sample.Name, err)
	}
	return NewObservation(sample.Name, prob, sample.Rates)
}
