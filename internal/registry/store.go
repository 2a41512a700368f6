package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
	"github.com/sirupsen/logrus"
)

// StoreOptions carries the policy knobs for a store instance. Zero fields
// fall back to the defaults below.
type StoreOptions struct {
	LocalPeerID          string
	Version              string
	MinCompatibleVersion string

	HeartbeatInterval time.Duration
	StaleMultiplier   int
	OfflineMultiplier int

	ConnectivityPassRatio float64
	CrdtMinNodes          int
	Quality               QualityThresholds
	GossipBounds          GossipBounds

	FrameCapacity  int
	EventQueueSize int

	Clock clock.Clock
}

func (o StoreOptions) withDefaults() StoreOptions {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.StaleMultiplier <= 0 {
		o.StaleMultiplier = 3
	}
	if o.OfflineMultiplier <= o.StaleMultiplier {
		o.OfflineMultiplier = o.StaleMultiplier * 2
	}
	if o.ConnectivityPassRatio <= 0 {
		o.ConnectivityPassRatio = 0.8
	}
	if o.CrdtMinNodes <= 0 {
		o.CrdtMinNodes = 2
	}
	if o.Quality == (QualityThresholds{}) {
		o.Quality = DefaultQualityThresholds()
	}
	if o.GossipBounds == (GossipBounds{}) {
		o.GossipBounds = DefaultGossipBounds()
	}
	if o.FrameCapacity <= 0 {
		o.FrameCapacity = 1000
	}
	if o.EventQueueSize <= 0 {
		o.EventQueueSize = 64
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Store is the peer registry and proof aggregation store. It exclusively
// owns all mutable state: the ledger, the connectivity matrix, the gossip
// monitor, the frame ring, and the network counters. Readers proceed
// concurrently; writers are mutually exclusive and never perform I/O while
// holding the lock. Events are published to the bus only after the state
// change committed, so subscribers never observe an event ahead of its
// state.
type Store struct {
	mu sync.RWMutex

	opts       StoreOptions
	clock      clock.Clock
	log        *logrus.Entry
	minVersion *version.Version

	ledger *Ledger
	matrix *Matrix
	gossip *GossipMonitor
	proofs *ProofAggregator
	frames *frameRing
	crdt   map[string]string
	stats  NetworkStats

	startTime time.Time

	sessionID string
	running   bool
	lastProof time.Time

	malformedEvents uint64

	// bus has its own lock; publishes happen after the store mutation
	// commits and the store lock is released
	bus *Bus
}

// NewStore creates a store with the given options
func NewStore(opts StoreOptions) (*Store, error) {
	opts = opts.withDefaults()

	var minVer *version.Version
	if opts.MinCompatibleVersion != "" {
		v, err := version.NewVersion(opts.MinCompatibleVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid min compatible version: %w", err)
		}
		minVer = v
	}

	staleAfter := opts.HeartbeatInterval * time.Duration(opts.StaleMultiplier)
	offlineAfter := opts.HeartbeatInterval * time.Duration(opts.OfflineMultiplier)

	return &Store{
		opts:       opts,
		clock:      opts.Clock,
		log:        logrus.WithField("component", "store"),
		minVersion: minVer,
		ledger:     NewLedger(staleAfter, offlineAfter),
		matrix:     NewMatrix(),
		gossip:     NewGossipMonitor(opts.GossipBounds),
		proofs:     NewProofAggregator(opts.ConnectivityPassRatio, opts.CrdtMinNodes),
		frames:     newFrameRing(opts.FrameCapacity),
		crdt:       make(map[string]string),
		startTime:  opts.Clock.Now(),
		bus:        NewBus(opts.EventQueueSize),
	}, nil
}

// Register inserts or replaces a peer and returns the other known peers
// plus the assigned session metadata. Matrix history for a re-registered
// id is preserved.
func (s *Store) Register(reg NodeRegistration) (RegistrationResponse, error) {
	if !ValidPeerID(reg.PeerID) {
		return RegistrationResponse{}, fmt.Errorf("%w: peer id %q", ErrInvalidRegistration, reg.PeerID)
	}
	if err := s.checkVersion(reg.Version); err != nil {
		return RegistrationResponse{}, err
	}

	now := s.clock.Now()

	s.mu.Lock()
	p := s.ledger.Register(reg, now)
	s.stats.TotalRegisteredNodes = s.ledger.Len()

	others := make([]PeerInfo, 0, s.ledger.Len()-1)
	for _, other := range s.ledger.Peers() {
		if other.PeerID == reg.PeerID {
			continue
		}
		others = append(others, s.peerInfoLocked(other))
	}

	resp := RegistrationResponse{
		Peers: others,
		Session: SessionInfo{
			SessionID:             uuid.NewString(),
			HeartbeatIntervalSecs: uint64(s.opts.HeartbeatInterval / time.Second),
		},
	}
	s.mu.Unlock()

	s.bus.Publish(NodeRegisteredEvent{
		PeerID:      p.PeerID,
		CountryCode: p.CountryCode,
		Latitude:    p.Latitude,
		Longitude:   p.Longitude,
	})

	s.log.WithFields(logrus.Fields{
		"peer":    ShortID(reg.PeerID),
		"country": p.CountryCode,
	}).Info("Peer registered")

	return resp, nil
}

func (s *Store) checkVersion(ver string) error {
	if ver == "" || s.minVersion == nil {
		return nil
	}
	v, err := version.NewVersion(ver)
	if err != nil {
		// test networks run dev builds with free-form versions
		s.log.WithField("version", ver).Debug("Unparseable registration version accepted")
		return nil
	}
	if v.LessThan(s.minVersion) {
		return fmt.Errorf("%w: %s < %s", ErrIncompatibleVersion, ver, s.minVersion)
	}
	return nil
}

// Heartbeat refreshes a peer's liveness and folds its traffic counter
// deltas into the network stats
func (s *Store) Heartbeat(hb NodeHeartbeat) error {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ledger.Heartbeat(hb.PeerID, now); err != nil {
		return fmt.Errorf("heartbeat from %s: %w", ShortID(hb.PeerID), err)
	}

	s.stats.PacketsSent += hb.PacketsSent
	s.stats.PacketsReceived += hb.PacketsReceived
	s.stats.BytesSent += hb.BytesSent
	s.stats.BytesReceived += hb.BytesReceived
	return nil
}

// RecordReport folds one connection outcome into the matrix and the
// network counters. A malformed report is dropped and counted; a
// successful one is announced on the bus.
func (s *Store) RecordReport(rep ConnectionReport) error {
	if err := rep.Validate(); err != nil {
		s.mu.Lock()
		s.malformedEvents++
		s.mu.Unlock()
		s.log.WithField("peer", ShortID(rep.PeerID)).WithError(err).Warn("Dropping malformed connection report")
		return err
	}

	now := s.clock.Now()

	s.mu.Lock()
	established := s.matrix.Record(rep.PeerID, rep, now)

	if rep.Result != OutcomeUnknown {
		s.stats.ConnectionAttempts++
	}
	switch rep.Result {
	case OutcomeSuccess:
		s.stats.ConnectionSuccesses++
		switch rep.Method {
		case MethodDirect:
			s.stats.DirectConnections++
		case MethodHolePunched:
			s.stats.HolePunchedConnections++
		case MethodRelayed:
			s.stats.RelayedConnections++
		}
		switch rep.Direction {
		case DirectionInbound:
			s.stats.InboundConnections++
		case DirectionOutbound:
			s.stats.OutboundConnections++
		}
		switch rep.Family {
		case FamilyIPv4:
			s.stats.IPv4Connections++
		case FamilyIPv6:
			s.stats.IPv6Connections++
		}
	case OutcomeFailed:
		s.stats.ConnectionFailures++
	}

	s.stats.PacketsSent += rep.PacketsSent
	s.stats.PacketsReceived += rep.PacketsReceived
	s.stats.BytesSent += rep.BytesSent
	s.stats.BytesReceived += rep.BytesReceived
	s.mu.Unlock()

	if established {
		from, to := rep.PeerID, rep.RemotePeer
		if rep.Direction == DirectionInbound {
			from, to = rep.RemotePeer, rep.PeerID
		}
		s.bus.Publish(ConnectionEstablishedEvent{
			FromPeer:  from,
			ToPeer:    to,
			Method:    rep.Method,
			RTTMillis: rep.RTTMillis,
		})
	}
	return nil
}

// UpdateGossip stores the latest raw gossip metrics push
func (s *Store) UpdateGossip(m GossipMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gossip.Update(m)
	if m.PeersDiscovered > 0 {
		s.stats.GossipPeersDiscovered = m.PeersDiscovered
	}
	if m.RelaysDiscovered > 0 {
		s.stats.GossipRelaysDiscovered = m.RelaysDiscovered
	}
}

// RecordCrdt stores one node's convergence digest. Digest equality across
// nodes is judged at proof time; the store only keeps the latest digest
// per node.
func (s *Store) RecordCrdt(rep CrdtReport) error {
	if rep.PeerID == "" || rep.Digest == "" {
		s.mu.Lock()
		s.malformedEvents++
		s.mu.Unlock()
		return fmt.Errorf("%w: crdt report needs peer id and digest", ErrMalformedEvent)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.crdt[rep.PeerID] = rep.Digest
	return nil
}

// RecordFrame appends a protocol frame to the bounded log ring
func (s *Store) RecordFrame(f ProtocolFrame) error {
	if f.PeerID == "" || f.FrameType == "" {
		s.mu.Lock()
		s.malformedEvents++
		s.mu.Unlock()
		return fmt.Errorf("%w: frame needs peer id and frame type", ErrMalformedEvent)
	}
	if f.Direction != "sent" && f.Direction != "received" {
		s.mu.Lock()
		s.malformedEvents++
		s.mu.Unlock()
		return fmt.Errorf("%w: frame direction %q", ErrMalformedEvent, f.Direction)
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = s.clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames.Push(f)
	return nil
}

// RequestConnectivityTest asks live subscribers to probe the named peer
func (s *Store) RequestConnectivityTest(peerID string, addresses []string, relayAddr *string) error {
	s.mu.RLock()
	_, known := s.ledger.Get(peerID)
	s.mu.RUnlock()
	if !known {
		return fmt.Errorf("connectivity test for %s: %w", ShortID(peerID), ErrUnknownPeer)
	}

	if addresses == nil {
		addresses = []string{}
	}
	s.bus.Publish(ConnectivityTestRequestEvent{
		PeerID:      peerID,
		Addresses:   addresses,
		RelayAddr:   relayAddr,
		TimestampMs: uint64(s.clock.Now().UnixMilli()),
	})
	return nil
}

// SweepExpired re-evaluates all peers' liveness and emits one NodeOffline
// event per peer that transitioned into offline. Safe to call from a
// timer at any cadence.
func (s *Store) SweepExpired() []string {
	now := s.clock.Now()

	s.mu.Lock()
	offline := s.ledger.Sweep(now)
	s.mu.Unlock()

	for _, id := range offline {
		s.bus.Publish(NodeOfflineEvent{PeerID: id})
		s.log.WithField("peer", ShortID(id)).Info("Peer went offline")
	}
	return offline
}

// StartProofSession begins a proof cycle and returns its session id
func (s *Store) StartProofSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = uuid.NewString()
	s.running = true
	return s.sessionID
}

// FinishProofSession ends the in-progress proof cycle
func (s *Store) FinishProofSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.lastProof = s.clock.Now()
}

// Subscribe attaches a new live event stream
func (s *Store) Subscribe() *Subscriber {
	return s.bus.Subscribe()
}

// PublishStats broadcasts a fresh copy of the network counters
func (s *Store) PublishStats() {
	s.mu.RLock()
	stats := s.stats
	s.mu.RUnlock()
	s.bus.Publish(StatsUpdateEvent{Stats: stats})
}

// Stats returns a copy of the network-wide counters
func (s *Store) Stats() NetworkStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Peers returns the external view of every known peer, offline included
func (s *Store) Peers() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := s.ledger.Peers()
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, s.peerInfoLocked(p))
	}
	return out
}

// peerInfoLocked builds the API view of a ledger record. The matrix's NAT
// inference wins over the self-reported label once evidence exists.
func (s *Store) peerInfoLocked(p Peer) PeerInfo {
	natType := p.NATType
	if e := s.matrix.Entry(p.PeerID); e.HasOutcome() {
		natType = e.InferNATType()
	}
	if natType == "" {
		natType = NATUnknown
	}
	return PeerInfo{
		PeerID:       p.PeerID,
		ShortID:      ShortID(p.PeerID),
		Version:      p.Version,
		Address:      p.Address,
		CountryCode:  p.CountryCode,
		Latitude:     p.Latitude,
		Longitude:    p.Longitude,
		NATType:      natType,
		Status:       p.Status,
		RegisteredAt: p.RegisteredAt.UnixMilli(),
		LastSeen:     p.LastHeartbeat.UnixMilli(),
	}
}

// Overview assembles the aggregated read model for dashboards and the TUI.
// It performs no mutation: the proof report is recomputed from current
// state on every call.
func (s *Store) Overview() OverviewResponse {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	proof := s.proofs.Compute(ProofInputs{
		Matrix:        s.matrix.Entries(),
		Gossip:        s.gossip.Snapshot(),
		GossipUpdated: s.gossip.Updated(),
		CrdtDigests:   s.crdt,
		Stats:         s.stats,
		SessionID:     s.sessionID,
		Running:       s.running,
		LastProof:     s.lastProof,
		Now:           now,
	})

	var connected []PeerInfo
	for _, p := range s.ledger.Peers() {
		if p.Status == LivenessRegistered {
			connected = append(connected, s.peerInfoLocked(p))
		}
	}
	if connected == nil {
		connected = []PeerInfo{}
	}

	return OverviewResponse{
		ProofStatus:    proof,
		NetworkStats:   s.stats,
		ConnectedPeers: connected,
		LocalNode: LocalNode{
			PeerID:  s.opts.LocalPeerID,
			ShortID: ShortID(s.opts.LocalPeerID),
			Version: s.opts.Version,
		},
		UptimeSecs: uint64(now.Sub(s.startTime) / time.Second),
	}
}

// Connections returns one matrix row per known peer
func (s *Store) Connections() ConnectionsResponse {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := s.ledger.Peers()
	entries := make([]ConnectionEntry, 0, len(peers))
	connected := 0

	for _, p := range peers {
		e := s.matrix.Entry(p.PeerID)

		status := "never_connected"
		if e.ConnectionCount > 0 {
			if p.Status == LivenessRegistered {
				status = "connected"
				connected++
			} else {
				status = "disconnected"
			}
		}

		natType := p.NATType
		if e.HasOutcome() {
			natType = e.InferNATType()
		}
		if natType == "" {
			natType = NATUnknown
		}

		var firstSecs, lastSecs uint64
		if !e.FirstSeen.IsZero() {
			firstSecs = uint64(now.Sub(e.FirstSeen) / time.Second)
		}
		if !e.LastSeen.IsZero() {
			lastSecs = uint64(now.Sub(e.LastSeen) / time.Second)
		}

		entries = append(entries, ConnectionEntry{
			ShortID:            ShortID(p.PeerID),
			FullID:             p.PeerID,
			Location:           p.CountryCode,
			NATType:            natType,
			Status:             status,
			Outbound:           directionalSummary(e.Outbound),
			Inbound:            directionalSummary(e.Inbound),
			BestRTTMillis:      e.BestRTTMillis,
			Quality:            s.opts.Quality.Quality(e.BestRTTMillis),
			TotalPackets:       e.PacketsSent + e.PacketsReceived,
			ConnectionCount:    e.ConnectionCount,
			FirstConnectedSecs: firstSecs,
			LastSeenSecs:       lastSecs,
		})
	}

	return ConnectionsResponse{
		Connections:    entries,
		TotalPeers:     len(peers),
		ConnectedCount: connected,
	}
}

func directionalSummary(s DirectionalStats) DirectionalSummary {
	return DirectionalSummary{
		Attempts:    s.Attempts,
		Successes:   s.Successes,
		Failures:    s.Failures,
		DirectIPv4:  s.Cell(MethodDirect, FamilyIPv4),
		DirectIPv6:  s.Cell(MethodDirect, FamilyIPv6),
		PunchedIPv4: s.Cell(MethodHolePunched, FamilyIPv4),
		PunchedIPv6: s.Cell(MethodHolePunched, FamilyIPv6),
		RelayIPv4:   s.Cell(MethodRelayed, FamilyIPv4),
		RelayIPv6:   s.Cell(MethodRelayed, FamilyIPv6),
		Summary:     s.Summary(),
	}
}

// Frames returns the most recent limit frames, newest first. The limit
// clamps to the ring capacity.
func (s *Store) Frames(limit int) FramesResponse {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	frames := s.frames.Recent(limit)
	out := make([]FrameEntry, 0, len(frames))
	for _, f := range frames {
		out = append(out, FrameEntry{
			PeerID:    f.PeerID,
			FrameType: f.FrameType,
			Direction: f.Direction,
			ElapsedMs: uint64(now.Sub(f.Timestamp).Milliseconds()),
			Context:   f.Context,
		})
	}
	return FramesResponse{Frames: out, TotalRecorded: s.frames.Total()}
}

// Gossip returns the health-labelled gossip view
func (s *Store) Gossip() GossipResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gossip.Snapshot()
}

// Uptime returns how long the store has been running
func (s *Store) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock.Now().Sub(s.startTime)
}

// MalformedEvents returns how many inconsistent inputs were dropped
func (s *Store) MalformedEvents() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.malformedEvents
}

// DroppedSubscribers returns how many lagging subscribers were detached
func (s *Store) DroppedSubscribers() uint64 {
	return s.bus.Dropped()
}

// SubscriberCount returns the number of live subscribers
func (s *Store) SubscriberCount() int {
	return s.bus.SubscriberCount()
}

// Close detaches all subscribers
func (s *Store) Close() {
	s.bus.Close()
}
