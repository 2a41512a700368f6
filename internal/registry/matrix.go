package registry

import (
	"sort"
	"time"
)

// DirectionalStats aggregates connection attempts for one direction of one
// peer, with the latest outcome per (method, family) cell
type DirectionalStats struct {
	Attempts  uint32 `json:"attempts"`
	Successes uint32 `json:"successes"`
	Failures  uint32 `json:"failures"`

	DirectIPv4  Outcome `json:"direct_ipv4"`
	DirectIPv6  Outcome `json:"direct_ipv6"`
	PunchedIPv4 Outcome `json:"nat_ipv4"`
	PunchedIPv6 Outcome `json:"nat_ipv6"`
	RelayIPv4   Outcome `json:"relay_ipv4"`
	RelayIPv6   Outcome `json:"relay_ipv6"`
}

// NewDirectionalStats returns stats with every cell at unknown
func NewDirectionalStats() DirectionalStats {
	return DirectionalStats{
		DirectIPv4:  OutcomeUnknown,
		DirectIPv6:  OutcomeUnknown,
		PunchedIPv4: OutcomeUnknown,
		PunchedIPv6: OutcomeUnknown,
		RelayIPv4:   OutcomeUnknown,
		RelayIPv6:   OutcomeUnknown,
	}
}

func (s *DirectionalStats) cell(method ConnectionMethod, family IPFamily) *Outcome {
	switch {
	case method == MethodDirect && family == FamilyIPv4:
		return &s.DirectIPv4
	case method == MethodDirect && family == FamilyIPv6:
		return &s.DirectIPv6
	case method == MethodHolePunched && family == FamilyIPv4:
		return &s.PunchedIPv4
	case method == MethodHolePunched && family == FamilyIPv6:
		return &s.PunchedIPv6
	case method == MethodRelayed && family == FamilyIPv4:
		return &s.RelayIPv4
	case method == MethodRelayed && family == FamilyIPv6:
		return &s.RelayIPv6
	}
	return nil
}

// Record folds one outcome into the counters and the matching cell. A
// report whose result is still unknown updates nothing, so that
// attempts = successes + failures holds at every observation point.
func (s *DirectionalStats) Record(method ConnectionMethod, family IPFamily, result Outcome) {
	if result == OutcomeUnknown {
		return
	}

	s.Attempts++
	if result == OutcomeSuccess {
		s.Successes++
	} else {
		s.Failures++
	}

	if c := s.cell(method, family); c != nil {
		*c = result
	}
}

// Cell returns the latest outcome for a (method, family) cell
func (s DirectionalStats) Cell(method ConnectionMethod, family IPFamily) Outcome {
	c := s.cell(method, family)
	if c == nil || *c == "" {
		return OutcomeUnknown
	}
	return *c
}

// AnySuccess reports whether any cell of the given method has succeeded
func (s DirectionalStats) AnySuccess(method ConnectionMethod) bool {
	return s.Cell(method, FamilyIPv4) == OutcomeSuccess || s.Cell(method, FamilyIPv6) == OutcomeSuccess
}

// AnyFailure reports whether any cell of the given method last failed
func (s DirectionalStats) AnyFailure(method ConnectionMethod) bool {
	return s.Cell(method, FamilyIPv4) == OutcomeFailed || s.Cell(method, FamilyIPv6) == OutcomeFailed
}

// Summary returns the compact per-cell form, e.g. "D4✓D6·N4×N6·R4·R6·"
func (s DirectionalStats) Summary() string {
	return "D4" + s.Cell(MethodDirect, FamilyIPv4).Symbol() +
		"D6" + s.Cell(MethodDirect, FamilyIPv6).Symbol() +
		"N4" + s.Cell(MethodHolePunched, FamilyIPv4).Symbol() +
		"N6" + s.Cell(MethodHolePunched, FamilyIPv6).Symbol() +
		"R4" + s.Cell(MethodRelayed, FamilyIPv4).Symbol() +
		"R6" + s.Cell(MethodRelayed, FamilyIPv6).Symbol()
}

// MatrixEntry holds the full connectivity aggregate for one peer
type MatrixEntry struct {
	PeerID          string            `json:"peer_id"`
	Outbound        DirectionalStats  `json:"outbound"`
	Inbound         DirectionalStats  `json:"inbound"`
	BestRTTMillis   *uint32           `json:"best_rtt_ms"`
	PacketsSent     uint64            `json:"packets_sent"`
	PacketsReceived uint64            `json:"packets_received"`
	BytesSent       uint64            `json:"bytes_sent"`
	BytesReceived   uint64            `json:"bytes_received"`
	ConnectionCount uint32            `json:"connection_count"`
	FirstSeen       time.Time         `json:"first_seen"`
	LastSeen        time.Time         `json:"last_seen"`
}

// HasOutcome reports whether any connection attempt has been recorded
func (e MatrixEntry) HasOutcome() bool {
	return e.Outbound.Attempts > 0 || e.Inbound.Attempts > 0
}

// Reachable reports whether any attempt in either direction succeeded
func (e MatrixEntry) Reachable() bool {
	return e.Outbound.Successes > 0 || e.Inbound.Successes > 0
}

// InferNATType derives the peer's NAT behavior label from which
// (method, family) cells show success:
//
//   - any direct success means no NAT circumvention was needed
//   - hole punching working cleanly suggests an endpoint-independent
//     mapping; punching working with failures suggests port restriction
//   - only relay working after failed punch attempts suggests a
//     symmetric NAT; relay-only with no punch evidence stays unknown
func (e MatrixEntry) InferNATType() NATType {
	anySuccess := func(m ConnectionMethod) bool {
		return e.Outbound.AnySuccess(m) || e.Inbound.AnySuccess(m)
	}
	anyFailure := func(m ConnectionMethod) bool {
		return e.Outbound.AnyFailure(m) || e.Inbound.AnyFailure(m)
	}

	switch {
	case anySuccess(MethodDirect):
		return NATDirect
	case anySuccess(MethodHolePunched):
		if anyFailure(MethodHolePunched) {
			return NATPortRestricted
		}
		return NATFullCone
	case anySuccess(MethodRelayed):
		if anyFailure(MethodHolePunched) {
			return NATSymmetric
		}
		return NATUnknown
	default:
		return NATUnknown
	}
}

// QualityThresholds are the RTT bands used to classify connection quality
type QualityThresholds struct {
	Excellent time.Duration
	Good      time.Duration
	Fair      time.Duration
}

// DefaultQualityThresholds returns the standard RTT bands
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		Excellent: 50 * time.Millisecond,
		Good:      150 * time.Millisecond,
		Fair:      400 * time.Millisecond,
	}
}

// Quality classifies a best-RTT measurement into a quality label. A peer
// with no successful RTT yet is unknown.
func (t QualityThresholds) Quality(rttMillis *uint32) string {
	if rttMillis == nil {
		return "unknown"
	}
	rtt := time.Duration(*rttMillis) * time.Millisecond
	switch {
	case rtt < t.Excellent:
		return "excellent"
	case rtt < t.Good:
		return "good"
	case rtt < t.Fair:
		return "fair"
	default:
		return "poor"
	}
}

// Matrix maintains one connectivity aggregate per peer. It is not
// internally synchronized; the owning store's lock guards all access.
type Matrix struct {
	entries map[string]*MatrixEntry
}

// NewMatrix creates an empty connectivity matrix
func NewMatrix() *Matrix {
	return &Matrix{entries: make(map[string]*MatrixEntry)}
}

func (m *Matrix) entryFor(peerID string, now time.Time) *MatrixEntry {
	e, ok := m.entries[peerID]
	if !ok {
		e = &MatrixEntry{
			PeerID:    peerID,
			Outbound:  NewDirectionalStats(),
			Inbound:   NewDirectionalStats(),
			FirstSeen: now,
			LastSeen:  now,
		}
		m.entries[peerID] = e
	}
	return e
}

// Record folds one connection report into the peer's aggregate. It returns
// true when the report is a successful attempt, i.e. a new session.
func (m *Matrix) Record(peerID string, rep ConnectionReport, now time.Time) bool {
	e := m.entryFor(peerID, now)
	e.LastSeen = now

	switch rep.Direction {
	case DirectionOutbound:
		e.Outbound.Record(rep.Method, rep.Family, rep.Result)
	case DirectionInbound:
		e.Inbound.Record(rep.Method, rep.Family, rep.Result)
	}

	e.PacketsSent += rep.PacketsSent
	e.PacketsReceived += rep.PacketsReceived
	e.BytesSent += rep.BytesSent
	e.BytesReceived += rep.BytesReceived

	if rep.Result != OutcomeSuccess {
		return false
	}

	e.ConnectionCount++
	if rep.RTTMillis != nil {
		// best_rtt only ever improves
		if e.BestRTTMillis == nil || *rep.RTTMillis < *e.BestRTTMillis {
			rtt := *rep.RTTMillis
			e.BestRTTMillis = &rtt
		}
	}
	return true
}

// Entry returns a copy of the peer's aggregate. An unknown peer yields a
// zeroed entry, never an error.
func (m *Matrix) Entry(peerID string) MatrixEntry {
	if e, ok := m.entries[peerID]; ok {
		return *e
	}
	return MatrixEntry{
		PeerID:   peerID,
		Outbound: NewDirectionalStats(),
		Inbound:  NewDirectionalStats(),
	}
}

// Entries returns copies of all aggregates, ordered by peer id
func (m *Matrix) Entries() []MatrixEntry {
	out := make([]MatrixEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Restore replaces the matrix contents from a persisted snapshot
func (m *Matrix) Restore(entries []MatrixEntry) {
	m.entries = make(map[string]*MatrixEntry, len(entries))
	for i := range entries {
		e := entries[i]
		m.entries[e.PeerID] = &e
	}
}

// Len returns the number of peers with a matrix entry
func (m *Matrix) Len() int {
	return len(m.entries)
}
