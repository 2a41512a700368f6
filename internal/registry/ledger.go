package registry

import (
	"sort"
	"strings"
	"time"
)

// Peer is the ledger record for one registered peer. One record exists per
// distinct id; re-registration replaces metadata but matrix history for the
// id is kept.
type Peer struct {
	PeerID        string    `json:"peer_id"`
	Version       string    `json:"version,omitempty"`
	Address       string    `json:"address,omitempty"`
	CountryCode   string    `json:"country_code,omitempty"`
	Latitude      float64   `json:"latitude,omitempty"`
	Longitude     float64   `json:"longitude,omitempty"`
	NATType       NATType   `json:"nat_type,omitempty"`
	Status        Liveness  `json:"status"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Ledger tracks peer identity and liveness. Offline peers are retained so
// history and matrix queries stay valid; only the liveness flag flips. Not
// internally synchronized; the owning store's lock guards all access.
type Ledger struct {
	peers        map[string]*Peer
	staleAfter   time.Duration
	offlineAfter time.Duration
}

// NewLedger creates a ledger with the given liveness windows. A peer goes
// stale after staleAfter of heartbeat silence and offline after
// offlineAfter.
func NewLedger(staleAfter, offlineAfter time.Duration) *Ledger {
	return &Ledger{
		peers:        make(map[string]*Peer),
		staleAfter:   staleAfter,
		offlineAfter: offlineAfter,
	}
}

// ValidPeerID reports whether an identity is acceptable for registration
func ValidPeerID(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && len(id) <= 128
}

// Register inserts or replaces the record for the registration's id and
// marks it registered. It returns the stored record.
func (l *Ledger) Register(reg NodeRegistration, now time.Time) *Peer {
	p := &Peer{
		PeerID:        reg.PeerID,
		Version:       reg.Version,
		Address:       reg.Address,
		CountryCode:   reg.CountryCode,
		Latitude:      reg.Latitude,
		Longitude:     reg.Longitude,
		NATType:       reg.NATType,
		Status:        LivenessRegistered,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if p.NATType == "" {
		p.NATType = NATUnknown
	}
	l.peers[reg.PeerID] = p
	return p
}

// Heartbeat refreshes the peer's liveness. A stale or offline peer becomes
// registered again; an id that was never registered is an error and the
// caller must re-register.
func (l *Ledger) Heartbeat(id string, now time.Time) error {
	p, ok := l.peers[id]
	if !ok {
		return ErrUnknownPeer
	}
	p.LastHeartbeat = now
	p.Status = LivenessRegistered
	return nil
}

// Sweep re-evaluates every peer's liveness against the configured windows
// and returns the ids that transitioned into offline during this pass.
// The sweep is idempotent: a delayed or skipped run only postpones
// transitions, and a peer already offline never transitions again.
func (l *Ledger) Sweep(now time.Time) []string {
	var wentOffline []string
	for id, p := range l.peers {
		if p.Status == LivenessOffline {
			continue
		}
		silence := now.Sub(p.LastHeartbeat)
		switch {
		case silence >= l.offlineAfter:
			p.Status = LivenessOffline
			wentOffline = append(wentOffline, id)
		case silence >= l.staleAfter:
			p.Status = LivenessStale
		}
	}
	sort.Strings(wentOffline)
	return wentOffline
}

// Get returns a copy of the record for an id
func (l *Ledger) Get(id string) (Peer, bool) {
	p, ok := l.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Peers returns copies of all records, ordered by peer id
func (l *Ledger) Peers() []Peer {
	out := make([]Peer, 0, len(l.peers))
	for _, p := range l.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Len returns the number of known peers, offline included
func (l *Ledger) Len() int {
	return len(l.peers)
}

// Restore replaces the ledger contents from a persisted snapshot
func (l *Ledger) Restore(peers []Peer) {
	l.peers = make(map[string]*Peer, len(peers))
	for i := range peers {
		p := peers[i]
		l.peers[p.PeerID] = &p
	}
}
