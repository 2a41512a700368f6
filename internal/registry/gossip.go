package registry

// GossipBounds are the policy bounds used to derive membership health
type GossipBounds struct {
	// ActiveViewMin is the smallest active view considered healthy
	ActiveViewMin int
	// ActiveViewMax is the fallback upper bound applied when the
	// protocol layer does not report its own
	ActiveViewMax int
}

// DefaultGossipBounds returns the standard HyParView view bounds
func DefaultGossipBounds() GossipBounds {
	return GossipBounds{ActiveViewMin: 1, ActiveViewMax: 5}
}

// GossipMonitor stores the latest raw metrics push from the gossip
// protocol layer and derives health labels on read. Raw counts are
// supplied by the membership/failure-detection/broadcast-tree subsystems,
// never computed here. Not internally synchronized; the owning store's
// lock guards all access.
type GossipMonitor struct {
	bounds  GossipBounds
	metrics GossipMetrics
	updated bool
}

// NewGossipMonitor creates a monitor with the given health bounds
func NewGossipMonitor(bounds GossipBounds) *GossipMonitor {
	return &GossipMonitor{bounds: bounds}
}

// Update replaces the stored raw metrics with the latest push
func (g *GossipMonitor) Update(m GossipMetrics) {
	g.metrics = m
	g.updated = true
}

// Updated reports whether any metrics push has arrived yet
func (g *GossipMonitor) Updated() bool {
	return g.updated
}

// Metrics returns a copy of the latest raw metrics push
func (g *GossipMonitor) Metrics() GossipMetrics {
	return g.metrics
}

// Snapshot derives the health-labelled gossip view from the latest raw
// metrics
func (g *GossipMonitor) Snapshot() GossipResponse {
	m := g.metrics

	activeMax := m.ActiveViewMax
	if activeMax == 0 {
		activeMax = g.bounds.ActiveViewMax
	}

	activePeers := m.ActivePeers
	if activePeers == nil {
		activePeers = []string{}
	}

	return GossipResponse{
		Hyparview: HyparviewStatus{
			ActiveViewSize:  m.ActiveViewSize,
			ActiveViewMax:   activeMax,
			PassiveViewSize: m.PassiveViewSize,
			PassiveViewMax:  m.PassiveViewMax,
			ActivePeers:     activePeers,
			Health:          g.membershipHealth(activeMax),
		},
		Swim: SwimStatus{
			AliveCount:     m.AliveCount,
			SuspectCount:   m.SuspectCount,
			FailedCount:    m.FailedCount,
			MembershipSize: m.AliveCount + m.SuspectCount + m.FailedCount,
			Health:         g.failureDetectionHealth(),
		},
		Plumtree: PlumtreeStatus{
			EagerPeers:        m.EagerPeers,
			LazyPeers:         m.LazyPeers,
			TreeDepth:         m.TreeDepth,
			TreeValid:         m.TreeValid,
			MessagesBroadcast: m.MessagesBroadcast,
			MessagesReceived:  m.MessagesReceived,
			Health:            g.broadcastTreeHealth(),
		},
		MessageStats: m.MessageStats,
	}
}

// membershipHealth: healthy when the active view sits within bounds and
// the passive view is non-empty; degraded when below the minimum but
// non-zero; unhealthy when the active view is empty.
func (g *GossipMonitor) membershipHealth(activeMax int) Health {
	m := g.metrics
	switch {
	case m.ActiveViewSize == 0:
		return HealthUnhealthy
	case m.ActiveViewSize < g.bounds.ActiveViewMin || m.PassiveViewSize == 0:
		return HealthDegraded
	case m.ActiveViewSize > activeMax:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// failureDetectionHealth: healthy when nothing has failed and something is
// alive; unhealthy when failures outnumber the living; degraded while
// suspects are pending.
func (g *GossipMonitor) failureDetectionHealth() Health {
	m := g.metrics
	switch {
	case m.FailedCount > m.AliveCount:
		return HealthUnhealthy
	case m.FailedCount == 0 && m.SuspectCount == 0 && m.AliveCount > 0:
		return HealthHealthy
	case m.AliveCount == 0:
		return HealthUnhealthy
	default:
		return HealthDegraded
	}
}

// broadcastTreeHealth: healthy when the tree is valid with eager peers;
// degraded when valid but no eager edges; unhealthy when invalid.
func (g *GossipMonitor) broadcastTreeHealth() Health {
	m := g.metrics
	switch {
	case !m.TreeValid:
		return HealthUnhealthy
	case m.EagerPeers == 0:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}
