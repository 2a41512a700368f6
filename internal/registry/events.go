package registry

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the NetworkEvent variants at the JSON boundary
type EventType string

// Event type constants
const (
	EventNodeRegistered          EventType = "node_registered"
	EventNodeOffline             EventType = "node_offline"
	EventConnectionEstablished   EventType = "connection_established"
	EventStatsUpdate             EventType = "stats_update"
	EventConnectivityTestRequest EventType = "connectivity_test_request"
)

// NetworkEvent is the closed set of domain events fanned out to live
// subscribers. Events are ephemeral: published once, kept only in the
// bounded recent-events ring.
type NetworkEvent interface {
	EventType() EventType
}

// NodeRegisteredEvent announces a peer joining the network
type NodeRegisteredEvent struct {
	PeerID      string  `json:"peer_id"`
	CountryCode string  `json:"country_code"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// EventType implements NetworkEvent
func (NodeRegisteredEvent) EventType() EventType { return EventNodeRegistered }

// NodeOfflineEvent announces a peer transitioning to offline
type NodeOfflineEvent struct {
	PeerID string `json:"peer_id"`
}

// EventType implements NetworkEvent
func (NodeOfflineEvent) EventType() EventType { return EventNodeOffline }

// ConnectionEstablishedEvent announces a successful connection between two
// peers
type ConnectionEstablishedEvent struct {
	FromPeer  string           `json:"from_peer"`
	ToPeer    string           `json:"to_peer"`
	Method    ConnectionMethod `json:"method"`
	RTTMillis *uint32          `json:"rtt_ms"`
}

// EventType implements NetworkEvent
func (ConnectionEstablishedEvent) EventType() EventType { return EventConnectionEstablished }

// StatsUpdateEvent carries a fresh copy of the network-wide counters
type StatsUpdateEvent struct {
	Stats NetworkStats `json:"stats"`
}

// EventType implements NetworkEvent
func (StatsUpdateEvent) EventType() EventType { return EventStatsUpdate }

// ConnectivityTestRequestEvent asks live peers to probe the named peer
type ConnectivityTestRequestEvent struct {
	PeerID      string   `json:"peer_id"`
	Addresses   []string `json:"addresses"`
	RelayAddr   *string  `json:"relay_addr"`
	TimestampMs uint64   `json:"timestamp_ms"`
}

// EventType implements NetworkEvent
func (ConnectivityTestRequestEvent) EventType() EventType { return EventConnectivityTestRequest }

// MarshalEvent serializes an event into its tagged JSON form with a "type"
// discriminant field alongside the variant's own fields
func MarshalEvent(ev NetworkEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.EventType(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.EventType(), err)
	}
	typeTag, err := json.Marshal(ev.EventType())
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.EventType(), err)
	}
	fields["type"] = typeTag

	return json.Marshal(fields)
}
