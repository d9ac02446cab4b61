package arsa

// clos.go describes the k-ary Clos (fat-tree) networks samples are drawn from, provides
// hop counts over shortest-path routes through them, and draws random flow sets

import (
	"fmt"
	"math"
	"sync"

	"github.com/iti/rngstream"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// The network is converted into the data structures of a graph package that has built-in
// path discovery algorithms.  Weighting each edge by 1, a shortest path minimizes the number
// of hops, which is what ECMP routing in a fat-tree selects among.
//
//   The Dijkstra algorithm computes a tree of shortest paths from a named node, so to find
// the path from src to dst we either compute such a tree rooted in src, or look up a cached
// tree rooted in src or in dst (by symmetry the path is then the reversed one).

// A Clos network of parameter K has K pods, each with K/2 edge and K/2 aggregation
// switches, (K/2)² core switches and K/2 hosts on every edge switch.
// Node ids are assigned hosts first, then edge, aggregation and core switches.
type Clos struct {
	K  int
	K2 int

	connGraph *simple.WeightedUndirectedGraph

	mu       sync.Mutex
	cachedSP map[int64]path.Shortest
}

// NewClos is a constructor.  An odd k is rounded down.
func NewClos(k int) (*Clos, error) {
	k2 := k / 2
	if k2 < 1 {
		return nil, fmt.Errorf("%w: Clos parameter %d", ErrInvalidTopology, k)
	}
	clos := &Clos{K: 2 * k2, K2: k2, cachedSP: make(map[int64]path.Shortest)}
	clos.connGraph = clos.buildconnGraph()
	return clos, nil
}

// NumHosts is the number of hosts, K·(K/2)²
func (clos *Clos) NumHosts() int {
	return clos.K * clos.K2 * clos.K2
}

func (clos *Clos) edgeID(pod, e int) int64 {
	return int64(clos.NumHosts() + pod*clos.K2 + e)
}

func (clos *Clos) aggID(pod, a int) int64 {
	return int64(clos.NumHosts() + clos.K*clos.K2 + pod*clos.K2 + a)
}

func (clos *Clos) coreID(c int) int64 {
	return int64(clos.NumHosts() + 2*clos.K*clos.K2 + c)
}

// HostID returns the node id of the host with address addr
func (clos *Clos) HostID(addr [3]int) int64 {
	return int64(addr[0]*clos.K2*clos.K2 + addr[1]*clos.K2 + addr[2])
}

// Address is the inverse of HostID
func (clos *Clos) Address(host int) [3]int {
	d1 := clos.K2 * clos.K2
	return [3]int{host / d1, host % d1 / clos.K2, host % clos.K2}
}

// buildconnGraph builds the weighted graph of the network, every edge with weight 1
func (clos *Clos) buildconnGraph() *simple.WeightedUndirectedGraph {
	connGraph := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	connect := func(a, b int64) {
		connGraph.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(a), T: simple.Node(b), W: 1.0})
	}

	for host := 0; host < clos.NumHosts(); host++ {
		addr := clos.Address(host)
		connect(int64(host), clos.edgeID(addr[0], addr[1]))
	}
	for pod := 0; pod < clos.K; pod++ {
		for e := 0; e < clos.K2; e++ {
			for a := 0; a < clos.K2; a++ {
				connect(clos.edgeID(pod, e), clos.aggID(pod, a))
			}
		}
		// aggregation switch a reaches core switches a·K/2 ... a·K/2 + K/2 - 1
		for a := 0; a < clos.K2; a++ {
			for i := 0; i < clos.K2; i++ {
				connect(clos.aggID(pod, a), clos.coreID(a*clos.K2+i))
			}
		}
	}
	return connGraph
}

// getSPTree returns the shortest path tree rooted in from.  If the tree is found in the
// cache it is returned, if not it is computed, saved, and returned.
func (clos *Clos) getSPTree(from int64) path.Shortest {
	clos.mu.Lock()
	defer clos.mu.Unlock()

	spTree, present := clos.cachedSP[from]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(simple.Node(from), clos.connGraph)
	clos.cachedSP[from] = spTree
	return spTree
}

// cachedTree looks for an already computed tree rooted in id
func (clos *Clos) cachedTree(id int64) (path.Shortest, bool) {
	clos.mu.Lock()
	defer clos.mu.Unlock()
	spTree, present := clos.cachedSP[id]
	return spTree, present
}

// convertNodeSeq extracts the node ids from a sequence of graph nodes
func convertNodeSeq(nsQ []graph.Node) []int64 {
	rtn := make([]int64, 0, len(nsQ))
	for _, node := range nsQ {
		rtn = append(rtn, node.ID())
	}
	return rtn
}

// Route returns a shortest path between two hosts as a sequence of node ids, both ends included
func (clos *Clos) Route(from, to [3]int) ([]int64, error) {
	if err := checkAddress(from, clos.K); err != nil {
		return nil, err
	}
	if err := checkAddress(to, clos.K); err != nil {
		return nil, err
	}
	srcID, dstID := clos.HostID(from), clos.HostID(to)

	if spTree, present := clos.cachedTree(srcID); present {
		nodeSeq, _ := spTree.To(dstID)
		return convertNodeSeq(nodeSeq), nil
	}

	if spTree, present := clos.cachedTree(dstID); present {
		revNodeSeq, _ := spTree.To(srcID)
		revRoute := convertNodeSeq(revNodeSeq)
		route := make([]int64, len(revRoute))
		for idx := range revRoute {
			route[idx] = revRoute[len(revRoute)-idx-1]
		}
		return route, nil
	}

	nodeSeq, _ := clos.getSPTree(srcID).To(dstID)
	return convertNodeSeq(nodeSeq), nil
}

// HopCount is the number of links on a shortest path between two hosts
func (clos *Clos) HopCount(from, to [3]int) (int, error) {
	route, err := clos.Route(from, to)
	if err != nil {
		return 0, err
	}
	return len(route) - 1, nil
}

// PathHopClass derives the hop class of a host pair from its route length:
// 2 hops for hosts on one edge switch, 4 inside a pod and 6 across pods
func (clos *Clos) PathHopClass(from, to [3]int) (int, error) {
	hops, err := clos.HopCount(from, to)
	if err != nil {
		return 0, err
	}
	if hops < 2 {
		return 0, fmt.Errorf("%w: hosts %v and %v coincide", ErrInvalidTopology, from, to)
	}
	return hops/2 - 1, nil
}

// RandomFlows draws n flows between distinct random hosts of a Clos network of parameter k.
// With multiTCP the variant alternates with the sender's port (odd ports run vegas,
// even ports reno); otherwise every flow runs vegas.  Flows start at 1 and stop at
// duration+1 seconds.
func RandomFlows(n, k int, rng *rngstream.RngStream, multiTCP bool, duration float64) []Flow {
	k2 := k / 2
	if k2 < 1 {
		return nil
	}
	hosts := 2 * k2 * k2 * k2
	d1 := k2 * k2
	breakdown := func(p int) [3]int { return [3]int{p / d1, p % d1 / k2, p % k2} }

	flows := make([]Flow, 0, n)
	for i := 0; i < n; i++ {
		s := rng.RandInt(0, hosts-1)
		d := s
		for d == s {
			d = rng.RandInt(0, hosts-1)
		}
		from, to := breakdown(s), breakdown(d)

		tcp := "vegas"
		if multiTCP && from[2]%2 == 0 {
			tcp = "reno"
		}
		flows = append(flows, Flow{TCP: tcp, From: from, To: to, Start: 1.0, Stop: duration + 1.0})
	}
	return flows
}

// SampleFlows draws n distinct flows from pool, without replacement.  The test sets
// the trainer is queried with are built this way from the training flows.
func SampleFlows(pool []Flow, n int, rng *rngstream.RngStream) []Flow {
	if n > len(pool) {
		n = len(pool)
	}
	idx := make([]int, len(pool))
	for i := range idx {
		idx[i] = i
	}
	// partial Fisher-Yates shuffle
	flows := make([]Flow, 0, n)
	for i := 0; i < n; i++ {
		j := rng.RandInt(i, len(idx)-1)
		idx[i], idx[j] = idx[j], idx[i]
		flows = append(flows, pool[idx[i]])
	}
	return flows
}
