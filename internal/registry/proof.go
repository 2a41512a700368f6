package registry

import (
	"time"
)

// ProofAggregator derives the pass/fail proof report from current state.
// It holds only policy thresholds: every Compute call is a pure function
// of its inputs, so the report can never drift from the raw counters.
type ProofAggregator struct {
	passRatio    float64
	crdtMinNodes int
}

// NewProofAggregator creates an aggregator with the given connectivity
// pass ratio and the minimum node count for a valid CRDT verdict
func NewProofAggregator(passRatio float64, crdtMinNodes int) *ProofAggregator {
	if passRatio <= 0 {
		passRatio = 0.8
	}
	if crdtMinNodes <= 0 {
		crdtMinNodes = 2
	}
	return &ProofAggregator{passRatio: passRatio, crdtMinNodes: crdtMinNodes}
}

// ProofInputs is the evidence a proof report is computed from
type ProofInputs struct {
	Matrix        []MatrixEntry
	Gossip        GossipResponse
	GossipUpdated bool
	CrdtDigests   map[string]string
	Stats         NetworkStats

	SessionID string
	Running   bool
	LastProof time.Time
	Now       time.Time
}

// Compute derives the proof report:
//
//   - connectivity passes when the reachable share of peers with recorded
//     outcomes meets the pass ratio
//   - gossip passes when membership, failure detection, and the broadcast
//     tree are all healthy
//   - CRDT passes when enough nodes reported digests and they all match
//   - NAT passes when at least one traversal method has a recorded success
func (a *ProofAggregator) Compute(in ProofInputs) ProofStatus {
	st := ProofStatus{Running: in.Running}

	// Connectivity: only peers with evidence count.
	for _, e := range in.Matrix {
		if !e.HasOutcome() {
			continue
		}
		st.ConnectivityTotal++
		if e.Reachable() {
			st.ConnectivityReachable++
		}
	}
	st.ConnectivityPass = st.ConnectivityTotal > 0 &&
		float64(st.ConnectivityReachable) >= a.passRatio*float64(st.ConnectivityTotal)

	// Gossip: all three subsystems must be healthy.
	st.HyparviewActive = in.Gossip.Hyparview.ActiveViewSize
	st.SwimAlive = in.Gossip.Swim.AliveCount
	st.TreeValid = in.Gossip.Plumtree.TreeValid
	st.GossipPass = in.GossipUpdated &&
		in.Gossip.Hyparview.Health == HealthHealthy &&
		in.Gossip.Swim.Health == HealthHealthy &&
		in.Gossip.Plumtree.Health == HealthHealthy

	// CRDT: digest equality across all reporting nodes.
	st.CrdtNodes = len(in.CrdtDigests)
	converged := st.CrdtNodes > 0
	var digest string
	for _, d := range in.CrdtDigests {
		if digest == "" {
			digest = d
		} else if d != digest {
			converged = false
			break
		}
	}
	st.CrdtPass = converged && st.CrdtNodes >= a.crdtMinNodes
	if converged && digest != "" {
		short := ShortID(digest)
		st.CrdtHashShort = &short
	}

	// NAT: any method with a recorded success anywhere in the matrix.
	st.NatDirect = int(in.Stats.DirectConnections)
	st.NatPunched = int(in.Stats.HolePunchedConnections)
	st.NatRelayed = int(in.Stats.RelayedConnections)
	st.NatPass = st.NatDirect > 0 || st.NatPunched > 0 || st.NatRelayed > 0

	if in.SessionID != "" {
		id := in.SessionID
		st.SessionID = &id
	}
	if !in.LastProof.IsZero() {
		ms := uint64(in.Now.Sub(in.LastProof).Milliseconds())
		st.LastProofMs = &ms
	}

	return st
}
