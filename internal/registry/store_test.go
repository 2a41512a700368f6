package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, mutate func(*StoreOptions)) (*Store, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))

	opts := StoreOptions{
		LocalPeerID: "local-peer-00000001",
		Version:     "0.9.0",
		Clock:       mock,
	}
	if mutate != nil {
		mutate(&opts)
	}

	s, err := NewStore(opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, mock
}

func successReport(peerID string) ConnectionReport {
	return ConnectionReport{
		PeerID:    peerID,
		Method:    MethodDirect,
		Family:    FamilyIPv4,
		Direction: DirectionOutbound,
		Result:    OutcomeSuccess,
	}
}

func TestRegisterReturnsOthersAndSession(t *testing.T) {
	s, _ := newTestStore(t, nil)

	resp, err := s.Register(NodeRegistration{PeerID: "peer-aaaa-1111", CountryCode: "DE"})
	require.NoError(t, err)
	assert.Empty(t, resp.Peers)
	assert.NotEmpty(t, resp.Session.SessionID)
	assert.Equal(t, uint64(5), resp.Session.HeartbeatIntervalSecs)

	resp, err = s.Register(NodeRegistration{PeerID: "peer-bbbb-2222", CountryCode: "US"})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "peer-aaaa-1111", resp.Peers[0].PeerID)
	assert.Equal(t, "peer-aaa", resp.Peers[0].ShortID)

	assert.Equal(t, 2, s.Stats().TotalRegisteredNodes)
}

func TestRegisterRejectsInvalidPeerID(t *testing.T) {
	s, _ := newTestStore(t, nil)

	for _, id := range []string{"", "   "} {
		_, err := s.Register(NodeRegistration{PeerID: id})
		assert.ErrorIs(t, err, ErrInvalidRegistration)
	}
	assert.Zero(t, s.Stats().TotalRegisteredNodes)
}

func TestRegisterVersionGate(t *testing.T) {
	s, _ := newTestStore(t, func(o *StoreOptions) {
		o.MinCompatibleVersion = "0.2.0"
	})

	_, err := s.Register(NodeRegistration{PeerID: "old-peer", Version: "0.1.9"})
	assert.ErrorIs(t, err, ErrIncompatibleVersion)

	_, err = s.Register(NodeRegistration{PeerID: "new-peer", Version: "0.2.0"})
	assert.NoError(t, err)

	// dev builds with free-form version strings are let through
	_, err = s.Register(NodeRegistration{PeerID: "dev-peer", Version: "dev-build"})
	assert.NoError(t, err)

	_, err = s.Register(NodeRegistration{PeerID: "bare-peer"})
	assert.NoError(t, err)
}

func TestInvalidMinVersionRejected(t *testing.T) {
	_, err := NewStore(StoreOptions{MinCompatibleVersion: "not a version"})
	assert.Error(t, err)
}

func TestRegisterPublishesAfterCommit(t *testing.T) {
	s, _ := newTestStore(t, nil)

	sub := s.Subscribe()
	defer sub.Close()

	_, err := s.Register(NodeRegistration{
		PeerID:      "peer-aaaa-1111",
		CountryCode: "DE",
		Latitude:    52.5,
		Longitude:   13.4,
	})
	require.NoError(t, err)

	// the event is already enqueued once Register returns, and the state
	// it announces is already visible
	events := drain(sub.Events())
	require.Len(t, events, 1)
	ev, ok := events[0].(NodeRegisteredEvent)
	require.True(t, ok)
	assert.Equal(t, "peer-aaaa-1111", ev.PeerID)
	assert.Equal(t, "DE", ev.CountryCode)
	assert.Equal(t, 52.5, ev.Latitude)

	require.Len(t, s.Peers(), 1)
}

func TestHeartbeatFoldsTrafficDeltas(t *testing.T) {
	s, _ := newTestStore(t, nil)

	_, err := s.Register(NodeRegistration{PeerID: "peer-aaaa-1111"})
	require.NoError(t, err)

	require.NoError(t, s.Heartbeat(NodeHeartbeat{
		PeerID:      "peer-aaaa-1111",
		PacketsSent: 10, PacketsReceived: 7,
		BytesSent: 4096, BytesReceived: 2048,
	}))
	require.NoError(t, s.Heartbeat(NodeHeartbeat{PeerID: "peer-aaaa-1111", PacketsSent: 5}))

	stats := s.Stats()
	assert.Equal(t, uint64(15), stats.PacketsSent)
	assert.Equal(t, uint64(7), stats.PacketsReceived)
	assert.Equal(t, uint64(4096), stats.BytesSent)

	err = s.Heartbeat(NodeHeartbeat{PeerID: "stranger"})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestSilentPeerGoesOfflineHeartbeatingPeerStays(t *testing.T) {
	s, mock := newTestStore(t, nil)

	_, err := s.Register(NodeRegistration{PeerID: "peer-aaaa-1111"})
	require.NoError(t, err)
	_, err = s.Register(NodeRegistration{PeerID: "peer-bbbb-2222"})
	require.NoError(t, err)

	sub := s.Subscribe()
	defer sub.Close()

	// peer-b keeps its heartbeat cadence, peer-a stays silent
	for i := 0; i < 5; i++ {
		mock.Add(5 * time.Second)
		require.NoError(t, s.Heartbeat(NodeHeartbeat{PeerID: "peer-bbbb-2222"}))
		assert.Empty(t, s.SweepExpired(), "sweep %d", i)
	}

	// 30s of silence crosses the offline threshold for peer-a only
	mock.Add(5 * time.Second)
	require.NoError(t, s.Heartbeat(NodeHeartbeat{PeerID: "peer-bbbb-2222"}))
	assert.Equal(t, []string{"peer-aaaa-1111"}, s.SweepExpired())

	// a second sweep does not report the transition again
	assert.Empty(t, s.SweepExpired())

	peers := s.Peers()
	require.Len(t, peers, 2)
	byID := map[string]PeerInfo{}
	for _, p := range peers {
		byID[p.PeerID] = p
	}
	assert.Equal(t, LivenessOffline, byID["peer-aaaa-1111"].Status)
	assert.Equal(t, LivenessRegistered, byID["peer-bbbb-2222"].Status)

	// exactly one offline event, for the silent peer
	var offlineEvents []NodeOfflineEvent
	for _, ev := range drain(sub.Events()) {
		if off, ok := ev.(NodeOfflineEvent); ok {
			offlineEvents = append(offlineEvents, off)
		}
	}
	require.Len(t, offlineEvents, 1)
	assert.Equal(t, "peer-aaaa-1111", offlineEvents[0].PeerID)
}

func TestRecordReportUpdatesStats(t *testing.T) {
	s, _ := newTestStore(t, nil)

	sub := s.Subscribe()
	defer sub.Close()

	ms := uint32(23)
	rep := successReport("peer-aaaa-1111")
	rep.RemotePeer = "peer-bbbb-2222"
	rep.RTTMillis = &ms
	require.NoError(t, s.RecordReport(rep))

	failed := rep
	failed.Result = OutcomeFailed
	failed.Method = MethodHolePunched
	require.NoError(t, s.RecordReport(failed))

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.ConnectionAttempts)
	assert.Equal(t, uint64(1), stats.ConnectionSuccesses)
	assert.Equal(t, uint64(1), stats.ConnectionFailures)
	assert.Equal(t, uint64(1), stats.DirectConnections)
	assert.Equal(t, uint64(1), stats.OutboundConnections)
	assert.Equal(t, uint64(1), stats.IPv4Connections)
	assert.Zero(t, stats.HolePunchedConnections)

	// only the success announced a connection
	events := drain(sub.Events())
	require.Len(t, events, 1)
	conn, ok := events[0].(ConnectionEstablishedEvent)
	require.True(t, ok)
	assert.Equal(t, "peer-aaaa-1111", conn.FromPeer)
	assert.Equal(t, "peer-bbbb-2222", conn.ToPeer)
	require.NotNil(t, conn.RTTMillis)
	assert.Equal(t, uint32(23), *conn.RTTMillis)
}

func TestInboundReportSwapsEventEndpoints(t *testing.T) {
	s, _ := newTestStore(t, nil)

	sub := s.Subscribe()
	defer sub.Close()

	rep := successReport("peer-aaaa-1111")
	rep.RemotePeer = "peer-bbbb-2222"
	rep.Direction = DirectionInbound
	require.NoError(t, s.RecordReport(rep))

	events := drain(sub.Events())
	require.Len(t, events, 1)
	conn := events[0].(ConnectionEstablishedEvent)
	assert.Equal(t, "peer-bbbb-2222", conn.FromPeer)
	assert.Equal(t, "peer-aaaa-1111", conn.ToPeer)
}

func TestMalformedInputsCountedAndDropped(t *testing.T) {
	s, _ := newTestStore(t, nil)

	sub := s.Subscribe()
	defer sub.Close()

	bad := successReport("peer-aaaa-1111")
	bad.Method = "carrier_pigeon"
	assert.ErrorIs(t, s.RecordReport(bad), ErrMalformedEvent)

	assert.ErrorIs(t, s.RecordCrdt(CrdtReport{PeerID: "peer-aaaa-1111"}), ErrMalformedEvent)
	assert.ErrorIs(t, s.RecordFrame(ProtocolFrame{PeerID: "peer-aaaa-1111"}), ErrMalformedEvent)
	assert.ErrorIs(t, s.RecordFrame(ProtocolFrame{
		PeerID: "peer-aaaa-1111", FrameType: "PING", Direction: "sideways",
	}), ErrMalformedEvent)

	assert.Equal(t, uint64(4), s.MalformedEvents())
	assert.Zero(t, s.Stats().ConnectionAttempts)
	assert.Empty(t, drain(sub.Events()))
}

func TestFramesNewestFirstWithElapsed(t *testing.T) {
	s, mock := newTestStore(t, func(o *StoreOptions) {
		o.FrameCapacity = 3
	})

	for _, ft := range []string{"PING", "PONG", "OBSERVED_ADDRESS", "PUNCH_ME_NOW", "PING"} {
		require.NoError(t, s.RecordFrame(ProtocolFrame{
			PeerID:    "peer-aaaa-1111",
			FrameType: ft,
			Direction: "sent",
		}))
		mock.Add(100 * time.Millisecond)
	}

	resp := s.Frames(2)
	require.Len(t, resp.Frames, 2)
	assert.Equal(t, 5, resp.TotalRecorded)
	assert.Equal(t, "PING", resp.Frames[0].FrameType)
	assert.Equal(t, "PUNCH_ME_NOW", resp.Frames[1].FrameType)
	// newest frame was recorded one tick before the read
	assert.Equal(t, uint64(100), resp.Frames[0].ElapsedMs)
	assert.Equal(t, uint64(200), resp.Frames[1].ElapsedMs)

	// the ring holds at most its capacity regardless of the limit
	assert.Len(t, s.Frames(100).Frames, 3)
}

func TestConnectivityTestRequest(t *testing.T) {
	s, mock := newTestStore(t, nil)

	err := s.RequestConnectivityTest("stranger", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownPeer)

	_, err = s.Register(NodeRegistration{PeerID: "peer-aaaa-1111"})
	require.NoError(t, err)

	sub := s.Subscribe()
	defer sub.Close()

	relay := "203.0.113.9:9000"
	require.NoError(t, s.RequestConnectivityTest("peer-aaaa-1111", []string{"10.0.0.1:9000"}, &relay))

	events := drain(sub.Events())
	require.Len(t, events, 1)
	req := events[0].(ConnectivityTestRequestEvent)
	assert.Equal(t, "peer-aaaa-1111", req.PeerID)
	assert.Equal(t, []string{"10.0.0.1:9000"}, req.Addresses)
	require.NotNil(t, req.RelayAddr)
	assert.Equal(t, relay, *req.RelayAddr)
	assert.Equal(t, uint64(mock.Now().UnixMilli()), req.TimestampMs)
}

func TestOverviewAggregation(t *testing.T) {
	s, mock := newTestStore(t, nil)

	_, err := s.Register(NodeRegistration{PeerID: "peer-aaaa-1111"})
	require.NoError(t, err)
	_, err = s.Register(NodeRegistration{PeerID: "peer-bbbb-2222"})
	require.NoError(t, err)

	require.NoError(t, s.RecordReport(successReport("peer-aaaa-1111")))
	require.NoError(t, s.RecordCrdt(CrdtReport{PeerID: "peer-aaaa-1111", Digest: "cafebabe0001"}))
	require.NoError(t, s.RecordCrdt(CrdtReport{PeerID: "peer-bbbb-2222", Digest: "cafebabe0001"}))

	sessionID := s.StartProofSession()
	mock.Add(90 * time.Second)
	s.FinishProofSession()
	mock.Add(2 * time.Second)

	ov := s.Overview()
	assert.Equal(t, "local-peer-00000001", ov.LocalNode.PeerID)
	assert.Equal(t, "local-pe", ov.LocalNode.ShortID)
	assert.Equal(t, "0.9.0", ov.LocalNode.Version)
	assert.Equal(t, uint64(92), ov.UptimeSecs)
	assert.Len(t, ov.ConnectedPeers, 2)

	proof := ov.ProofStatus
	assert.True(t, proof.ConnectivityPass)
	assert.Equal(t, 1, proof.ConnectivityTotal)
	assert.True(t, proof.CrdtPass)
	require.NotNil(t, proof.CrdtHashShort)
	assert.Equal(t, "cafebabe", *proof.CrdtHashShort)
	assert.True(t, proof.NatPass)
	assert.False(t, proof.GossipPass)
	require.NotNil(t, proof.SessionID)
	assert.Equal(t, sessionID, *proof.SessionID)
	assert.False(t, proof.Running)
	require.NotNil(t, proof.LastProofMs)
	assert.Equal(t, uint64(2000), *proof.LastProofMs)

	// a silent peer drops out of the connected list after it expires
	mock.Add(30 * time.Second)
	s.SweepExpired()
	assert.Empty(t, s.Overview().ConnectedPeers)
}

func TestConnectionsStatuses(t *testing.T) {
	s, mock := newTestStore(t, nil)

	_, err := s.Register(NodeRegistration{PeerID: "peer-live-0001"})
	require.NoError(t, err)
	_, err = s.Register(NodeRegistration{PeerID: "peer-gone-0002"})
	require.NoError(t, err)

	ms := uint32(30)
	for _, id := range []string{"peer-live-0001", "peer-gone-0002"} {
		rep := successReport(id)
		rep.RTTMillis = &ms
		require.NoError(t, s.RecordReport(rep))
	}

	// peer-gone-0002 falls silent past the offline threshold
	for i := 0; i < 6; i++ {
		mock.Add(5 * time.Second)
		require.NoError(t, s.Heartbeat(NodeHeartbeat{PeerID: "peer-live-0001"}))
	}
	s.SweepExpired()

	_, err = s.Register(NodeRegistration{PeerID: "peer-new-0003"})
	require.NoError(t, err)

	resp := s.Connections()
	assert.Equal(t, 3, resp.TotalPeers)
	assert.Equal(t, 1, resp.ConnectedCount)

	byID := map[string]ConnectionEntry{}
	for _, c := range resp.Connections {
		byID[c.FullID] = c
	}
	assert.Equal(t, "connected", byID["peer-live-0001"].Status)
	assert.Equal(t, "disconnected", byID["peer-gone-0002"].Status)
	assert.Equal(t, "never_connected", byID["peer-new-0003"].Status)

	live := byID["peer-live-0001"]
	assert.Equal(t, "excellent", live.Quality)
	assert.Equal(t, "D4✓D6·N4·N6·R4·R6·", live.Outbound.Summary)
	assert.Equal(t, uint64(30), live.LastSeenSecs)

	// no matrix entry yet: no quality, no seen timers
	fresh := byID["peer-new-0003"]
	assert.Equal(t, "unknown", fresh.Quality)
	assert.Zero(t, fresh.LastSeenSecs)
	assert.Zero(t, fresh.FirstConnectedSecs)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s, mock := newTestStore(t, nil)

	_, err := s.Register(NodeRegistration{PeerID: "peer-aaaa-1111", CountryCode: "SE"})
	require.NoError(t, err)
	require.NoError(t, s.RecordReport(successReport("peer-aaaa-1111")))
	require.NoError(t, s.RecordCrdt(CrdtReport{PeerID: "peer-aaaa-1111", Digest: "cafebabe0001"}))
	for _, ft := range []string{"PING", "PONG", "PING"} {
		require.NoError(t, s.RecordFrame(ProtocolFrame{
			PeerID: "peer-aaaa-1111", FrameType: ft, Direction: "received",
		}))
	}

	data := s.Snapshot()
	assert.Equal(t, mock.Now(), data.SavedAt)

	restored, _ := newTestStore(t, nil)
	restored.RestoreSnapshot(data)

	assert.Equal(t, s.Stats(), restored.Stats())
	assert.Equal(t, s.Peers(), restored.Peers())

	frames := restored.Frames(10)
	require.Len(t, frames.Frames, 3)
	assert.Equal(t, "PING", frames.Frames[0].FrameType)
	assert.Equal(t, "PONG", frames.Frames[1].FrameType)

	e := restored.matrix.Entry("peer-aaaa-1111")
	assert.Equal(t, uint32(1), e.Outbound.Successes)
	assert.True(t, restored.Overview().ProofStatus.ConnectivityPass)
}

func TestPersistenceFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	p := NewPersistence(path)

	// a missing snapshot is a clean first boot
	data, err := p.Load()
	require.NoError(t, err)
	assert.Nil(t, data)

	s, _ := newTestStore(t, nil)
	_, err = s.Register(NodeRegistration{PeerID: "peer-aaaa-1111"})
	require.NoError(t, err)
	require.NoError(t, s.RecordReport(successReport("peer-aaaa-1111")))

	s.SaveTo(p)

	loaded, err := p.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Len(t, loaded.Peers, 1)
	assert.Equal(t, "peer-aaaa-1111", loaded.Peers[0].PeerID)
	assert.Equal(t, uint64(1), loaded.Stats.ConnectionSuccesses)
	require.Len(t, loaded.Matrix, 1)
}

func TestPublishStats(t *testing.T) {
	s, _ := newTestStore(t, nil)

	sub := s.Subscribe()
	defer sub.Close()

	require.NoError(t, s.RecordReport(successReport("peer-aaaa-1111")))
	drain(sub.Events())

	s.PublishStats()
	events := drain(sub.Events())
	require.Len(t, events, 1)
	stats := events[0].(StatsUpdateEvent).Stats
	assert.Equal(t, uint64(1), stats.ConnectionSuccesses)
}
