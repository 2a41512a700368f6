package registry

import (
	"fmt"
	"time"
)

// ConnectionMethod identifies how a connection between two peers was made
type ConnectionMethod string

// Connection method constants
const (
	MethodDirect      ConnectionMethod = "direct"
	MethodHolePunched ConnectionMethod = "hole_punched"
	MethodRelayed     ConnectionMethod = "relayed"
)

// Valid reports whether the method is one of the known values
func (m ConnectionMethod) Valid() bool {
	switch m {
	case MethodDirect, MethodHolePunched, MethodRelayed:
		return true
	}
	return false
}

// IPFamily identifies the IP protocol family of a connection
type IPFamily string

// IP family constants
const (
	FamilyIPv4 IPFamily = "ipv4"
	FamilyIPv6 IPFamily = "ipv6"
)

// Valid reports whether the family is one of the known values
func (f IPFamily) Valid() bool {
	return f == FamilyIPv4 || f == FamilyIPv6
}

// Direction identifies which side initiated a connection
type Direction string

// Direction constants
const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Valid reports whether the direction is one of the known values
func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// Outcome is the recorded result of a single connection attempt
type Outcome string

// Outcome constants
const (
	OutcomeUnknown Outcome = "unknown"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Valid reports whether the outcome is one of the known values
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeUnknown, OutcomeSuccess, OutcomeFailed:
		return true
	}
	return false
}

// Symbol returns the single-rune display form used in compact summaries
func (o Outcome) Symbol() string {
	switch o {
	case OutcomeSuccess:
		return "✓"
	case OutcomeFailed:
		return "×"
	default:
		return "·"
	}
}

// Liveness is the registration state of a peer
type Liveness string

// Liveness state constants
const (
	LivenessRegistered Liveness = "registered"
	LivenessStale      Liveness = "stale"
	LivenessOffline    Liveness = "offline"
)

// NATType is the NAT behavior label inferred for a peer from its
// connectivity matrix entry
type NATType string

// NAT type constants
const (
	NATDirect         NATType = "direct"
	NATFullCone       NATType = "full_cone"
	NATRestricted     NATType = "restricted"
	NATPortRestricted NATType = "port_restricted"
	NATSymmetric      NATType = "symmetric"
	NATUnknown        NATType = "unknown"
)

// Health is a derived three-level health label for a gossip subsystem
type Health string

// Health label constants
const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// NodeRegistration is the payload a peer submits to join the test network
type NodeRegistration struct {
	PeerID      string  `json:"peer_id"`
	Version     string  `json:"version,omitempty"`
	Address     string  `json:"address,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	NATType     NATType `json:"nat_type,omitempty"`
}

// SessionInfo is the registration session metadata assigned by the registry
type SessionInfo struct {
	SessionID             string `json:"session_id"`
	HeartbeatIntervalSecs uint64 `json:"heartbeat_interval_secs"`
}

// RegistrationResponse is returned from a successful registration. Peers
// holds the other currently known peers, the registrant excluded.
type RegistrationResponse struct {
	Peers   []PeerInfo  `json:"peers"`
	Session SessionInfo `json:"session"`
}

// NodeHeartbeat refreshes a peer's liveness and carries traffic counter
// deltas accumulated since the previous heartbeat
type NodeHeartbeat struct {
	PeerID          string `json:"peer_id"`
	PacketsSent     uint64 `json:"packets_sent,omitempty"`
	PacketsReceived uint64 `json:"packets_received,omitempty"`
	BytesSent       uint64 `json:"bytes_sent,omitempty"`
	BytesReceived   uint64 `json:"bytes_received,omitempty"`
}

// PeerInfo is the externally visible view of a registered peer
type PeerInfo struct {
	PeerID       string   `json:"peer_id"`
	ShortID      string   `json:"short_id"`
	Version      string   `json:"version,omitempty"`
	Address      string   `json:"address,omitempty"`
	CountryCode  string   `json:"country_code"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	NATType      NATType  `json:"nat_type"`
	Status       Liveness `json:"status"`
	RegisteredAt int64    `json:"registered_at"`
	LastSeen     int64    `json:"last_seen"`
}

// ConnectionReport is one observed connection attempt between the reporting
/// peer and a remote peer. It is an immutable fact: reports are appended to
// the matrix and never rewritten.
type ConnectionReport struct {
	PeerID          string           `json:"peer_id"`
	RemotePeer      string           `json:"remote_peer,omitempty"`
	Method          ConnectionMethod `json:"method"`
	Family          IPFamily         `json:"family"`
	Direction       Direction        `json:"direction"`
	Result          Outcome          `json:"result"`
	RTTMillis       *uint32          `json:"rtt_ms,omitempty"`
	PacketsSent     uint64           `json:"packets_sent,omitempty"`
	PacketsReceived uint64           `json:"packets_received,omitempty"`
	BytesSent       uint64           `json:"bytes_sent,omitempty"`
	BytesReceived   uint64           `json:"bytes_received,omitempty"`
}

// Validate checks that the report's tagged fields carry known values
func (r ConnectionReport) Validate() error {
	if r.PeerID == "" {
		return fmt.Errorf("%w: empty peer id", ErrMalformedEvent)
	}
	if !r.Method.Valid() {
		return fmt.Errorf("%w: method %q", ErrMalformedEvent, r.Method)
	}
	if !r.Family.Valid() {
		return fmt.Errorf("%w: family %q", ErrMalformedEvent, r.Family)
	}
	if !r.Direction.Valid() {
		return fmt.Errorf("%w: direction %q", ErrMalformedEvent, r.Direction)
	}
	if !r.Result.Valid() {
		return fmt.Errorf("%w: result %q", ErrMalformedEvent, r.Result)
	}
	return nil
}

// ProtocolFrame is one logged transport or gossip message occurrence,
// kept in the bounded frame ring for the log view
type ProtocolFrame struct {
	PeerID    string    `json:"peer_id"`
	FrameType string    `json:"frame_type"`
	Direction string    `json:"direction"`
	Timestamp time.Time `json:"timestamp"`
	Context   string    `json:"context,omitempty"`
}

// CrdtReport carries one node's CRDT convergence digest. The digest itself
// is computed by the external CRDT layer; the registry only compares them.
type CrdtReport struct {
	PeerID string `json:"peer_id"`
	Digest string `json:"digest"`
}

// NetworkStats holds the network-wide aggregate counters exposed by the
// stats endpoint and the stats_update live event
type NetworkStats struct {
	ConnectionAttempts      uint64 `json:"connection_attempts"`
	ConnectionSuccesses     uint64 `json:"connection_successes"`
	ConnectionFailures      uint64 `json:"connection_failures"`
	DirectConnections       uint64 `json:"direct_connections"`
	HolePunchedConnections  uint64 `json:"hole_punched_connections"`
	RelayedConnections      uint64 `json:"relayed_connections"`
	InboundConnections      uint64 `json:"inbound_connections"`
	OutboundConnections     uint64 `json:"outbound_connections"`
	IPv4Connections         uint64 `json:"ipv4_connections"`
	IPv6Connections         uint64 `json:"ipv6_connections"`
	PacketsSent             uint64 `json:"packets_sent"`
	PacketsReceived         uint64 `json:"packets_received"`
	BytesSent               uint64 `json:"bytes_sent"`
	BytesReceived           uint64 `json:"bytes_received"`
	TotalRegisteredNodes    int    `json:"total_registered_nodes"`
	GossipPeersDiscovered   uint64 `json:"gossip_peers_discovered"`
	GossipRelaysDiscovered  uint64 `json:"gossip_relays_discovered"`
}

// ProofStatus is the derived pass/fail report over all collected evidence.
// It is recomputed from source-of-truth state on every read.
type ProofStatus struct {
	ConnectivityPass      bool `json:"connectivity_pass"`
	ConnectivityReachable int  `json:"connectivity_reachable"`
	ConnectivityTotal     int  `json:"connectivity_total"`

	GossipPass      bool `json:"gossip_pass"`
	HyparviewActive int  `json:"hyparview_active"`
	SwimAlive       int  `json:"swim_alive"`
	TreeValid       bool `json:"tree_valid"`

	CrdtPass      bool    `json:"crdt_pass"`
	CrdtNodes     int     `json:"crdt_nodes"`
	CrdtHashShort *string `json:"crdt_hash_short"`

	NatPass    bool `json:"nat_pass"`
	NatDirect  int  `json:"nat_direct"`
	NatPunched int  `json:"nat_punched"`
	NatRelayed int  `json:"nat_relayed"`

	SessionID   *string `json:"session_id"`
	Running     bool    `json:"running"`
	LastProofMs *uint64 `json:"last_proof_ms"`
}

// OverviewResponse is the aggregated read model consumed by the dashboard
// overview page and the TUI
type OverviewResponse struct {
	ProofStatus    ProofStatus  `json:"proof_status"`
	NetworkStats   NetworkStats `json:"network_stats"`
	ConnectedPeers []PeerInfo   `json:"connected_peers"`
	LocalNode      LocalNode    `json:"local_node"`
	UptimeSecs     uint64       `json:"uptime_secs"`
}

// LocalNode describes the registry process itself in the overview
type LocalNode struct {
	PeerID  string `json:"peer_id"`
	ShortID string `json:"short_id"`
	Version string `json:"version"`
}

// ConnectionsResponse is the connectivity matrix view over all known peers
type ConnectionsResponse struct {
	Connections    []ConnectionEntry `json:"connections"`
	TotalPeers     int               `json:"total_peers"`
	ConnectedCount int               `json:"connected_count"`
}

// ConnectionEntry is one row of the connectivity matrix view
type ConnectionEntry struct {
	ShortID            string             `json:"short_id"`
	FullID             string             `json:"full_id"`
	Location           string             `json:"location"`
	NATType            NATType            `json:"nat_type"`
	Status             string             `json:"status"`
	Outbound           DirectionalSummary `json:"outbound"`
	Inbound            DirectionalSummary `json:"inbound"`
	BestRTTMillis      *uint32            `json:"best_rtt_ms"`
	Quality            string             `json:"quality"`
	TotalPackets       uint64             `json:"total_packets"`
	ConnectionCount    uint32             `json:"connection_count"`
	FirstConnectedSecs uint64             `json:"first_connected_secs"`
	LastSeenSecs       uint64             `json:"last_seen_secs"`
}

// DirectionalSummary is the API projection of one direction's stats
type DirectionalSummary struct {
	Attempts    uint32  `json:"attempts"`
	Successes   uint32  `json:"successes"`
	Failures    uint32  `json:"failures"`
	DirectIPv4  Outcome `json:"direct_ipv4"`
	DirectIPv6  Outcome `json:"direct_ipv6"`
	PunchedIPv4 Outcome `json:"nat_ipv4"`
	PunchedIPv6 Outcome `json:"nat_ipv6"`
	RelayIPv4   Outcome `json:"relay_ipv4"`
	RelayIPv6   Outcome `json:"relay_ipv6"`
	Summary     string  `json:"summary"`
}

// FramesResponse is the recent protocol frame log, newest first
type FramesResponse struct {
	Frames        []FrameEntry `json:"frames"`
	TotalRecorded int          `json:"total_recorded"`
}

// FrameEntry is one protocol frame as exposed by the log view
type FrameEntry struct {
	PeerID    string `json:"peer_id"`
	FrameType string `json:"frame_type"`
	Direction string `json:"direction"`
	ElapsedMs uint64 `json:"elapsed_ms"`
	Context   string `json:"context,omitempty"`
}

// GossipResponse is the gossip protocol health view
type GossipResponse struct {
	Hyparview    HyparviewStatus    `json:"hyparview"`
	Swim         SwimStatus         `json:"swim"`
	Plumtree     PlumtreeStatus     `json:"plumtree"`
	MessageStats GossipMessageStats `json:"message_stats"`
}

// HyparviewStatus is the membership protocol view with its derived health
type HyparviewStatus struct {
	ActiveViewSize  int      `json:"active_view_size"`
	ActiveViewMax   int      `json:"active_view_max"`
	PassiveViewSize int      `json:"passive_view_size"`
	PassiveViewMax  int      `json:"passive_view_max"`
	ActivePeers     []string `json:"active_peers"`
	Health          Health   `json:"health"`
}

// SwimStatus is the failure detection view with its derived health
type SwimStatus struct {
	AliveCount     int    `json:"alive_count"`
	SuspectCount   int    `json:"suspect_count"`
	FailedCount    int    `json:"failed_count"`
	MembershipSize int    `json:"membership_size"`
	Health         Health `json:"health"`
}

// PlumtreeStatus is the broadcast tree view with its derived health
type PlumtreeStatus struct {
	EagerPeers        int    `json:"eager_peers"`
	LazyPeers         int    `json:"lazy_peers"`
	TreeDepth         *int   `json:"tree_depth"`
	TreeValid         bool   `json:"tree_valid"`
	MessagesBroadcast uint64 `json:"messages_broadcast"`
	MessagesReceived  uint64 `json:"messages_received"`
	Health            Health `json:"health"`
}

// GossipMessageStats holds raw gossip traffic counters supplied by the
// protocol layer
type GossipMessageStats struct {
	AnnouncementsSent     uint64 `json:"announcements_sent"`
	AnnouncementsReceived uint64 `json:"announcements_received"`
	PeerQueriesSent       uint64 `json:"peer_queries_sent"`
	PeerQueriesReceived   uint64 `json:"peer_queries_received"`
	PeerResponsesSent     uint64 `json:"peer_responses_sent"`
	PeerResponsesReceived uint64 `json:"peer_responses_received"`
	CacheUpdates          uint64 `json:"cache_updates"`
	CacheHits             uint64 `json:"cache_hits"`
	CacheMisses           uint64 `json:"cache_misses"`
	CacheSize             uint64 `json:"cache_size"`
}

// GossipMetrics is the raw metrics push from the gossip protocol layer.
// The registry stores the latest push and derives health labels on read.
type GossipMetrics struct {
	ActiveViewSize  int      `json:"active_view_size"`
	ActiveViewMax   int      `json:"active_view_max"`
	PassiveViewSize int      `json:"passive_view_size"`
	PassiveViewMax  int      `json:"passive_view_max"`
	ActivePeers     []string `json:"active_peers,omitempty"`

	AliveCount   int `json:"alive_count"`
	SuspectCount int `json:"suspect_count"`
	FailedCount  int `json:"failed_count"`

	EagerPeers        int    `json:"eager_peers"`
	LazyPeers         int    `json:"lazy_peers"`
	TreeDepth         *int   `json:"tree_depth,omitempty"`
	TreeValid         bool   `json:"tree_valid"`
	MessagesBroadcast uint64 `json:"messages_broadcast"`
	MessagesReceived  uint64 `json:"messages_received"`

	MessageStats GossipMessageStats `json:"message_stats"`

	PeersDiscovered  uint64 `json:"peers_discovered,omitempty"`
	RelaysDiscovered uint64 `json:"relays_discovered,omitempty"`
}

/// ShortID returns the display form of a peer ID: the first 8 characters
func ShortID(peerID string) string {
	if len(peerID) <= 8 {
		return peerID
	}
	return peerID[:8]
}
