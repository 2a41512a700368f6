package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"meshpoint/internal/config"
	"meshpoint/internal/geo"
	"meshpoint/internal/registry"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, geoProvider geo.Provider) (*Server, *registry.Store, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))

	cfg := &config.Config{
		Host:                  "127.0.0.1",
		Port:                  0,
		LocalPeerID:           "local-peer-00000001",
		Version:               "0.9.0",
		HeartbeatInterval:     5 * time.Second,
		StaleMultiplier:       3,
		OfflineMultiplier:     6,
		ConnectivityPassRatio: 0.8,
		CrdtMinNodes:          2,
		FramesLimit:           200,
		CORSAllowedOrigins:    []string{"*"},
		ShutdownTimeout:       time.Second,
	}

	store, err := registry.NewStore(registry.StoreOptions{
		LocalPeerID: cfg.LocalPeerID,
		Version:     cfg.Version,
		Clock:       mock,
	})
	require.NoError(t, err)

	srv := New(cfg, store, geoProvider)
	t.Cleanup(func() {
		require.NoError(t, srv.Stop())
		store.Close()
	})
	return srv, store, mock
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestRegisterReportReadFlow(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec := doJSON(t, h, "POST", "/api/register", registry.NodeRegistration{
		PeerID: "peer-aaaa-1111", CountryCode: "DE",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	reg := decode[registry.RegistrationResponse](t, rec)
	assert.NotEmpty(t, reg.Session.SessionID)
	assert.Empty(t, reg.Peers)

	rec = doJSON(t, h, "POST", "/api/register", registry.NodeRegistration{
		PeerID: "peer-bbbb-2222",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, "POST", "/api/report", registry.ConnectionReport{
		PeerID:    "peer-aaaa-1111",
		Method:    registry.MethodDirect,
		Family:    registry.FamilyIPv4,
		Direction: registry.DirectionOutbound,
		Result:    registry.OutcomeSuccess,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, "GET", "/api/peers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	peers := decode[[]registry.PeerInfo](t, rec)
	assert.Len(t, peers, 2)

	rec = doJSON(t, h, "GET", "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[registry.NetworkStats](t, rec)
	assert.Equal(t, uint64(1), stats.ConnectionSuccesses)
	assert.Equal(t, 2, stats.TotalRegisteredNodes)

	rec = doJSON(t, h, "GET", "/api/overview", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	overview := decode[registry.OverviewResponse](t, rec)
	assert.Equal(t, "local-peer-00000001", overview.LocalNode.PeerID)
	assert.Len(t, overview.ConnectedPeers, 2)
	assert.True(t, overview.ProofStatus.ConnectivityPass)

	rec = doJSON(t, h, "GET", "/api/connections", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	conns := decode[registry.ConnectionsResponse](t, rec)
	assert.Equal(t, 2, conns.TotalPeers)
	assert.Equal(t, 1, conns.ConnectedCount)
}

func TestErrorStatusMapping(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	h := srv.Handler()

	// unknown peer -> 404
	rec := doJSON(t, h, "POST", "/api/heartbeat", registry.NodeHeartbeat{PeerID: "stranger"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, "POST", "/api/test-request", map[string]any{"peer_id": "stranger"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// invalid registration -> 400
	rec = doJSON(t, h, "POST", "/api/register", registry.NodeRegistration{PeerID: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// malformed report -> 400
	rec = doJSON(t, h, "POST", "/api/report", registry.ConnectionReport{
		PeerID: "peer-aaaa-1111", Method: "carrier_pigeon",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// undecodable body -> 400
	req := httptest.NewRequest("POST", "/api/register", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "error")
}

func TestFramesLimitParameter(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	h := srv.Handler()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordFrame(registry.ProtocolFrame{
			PeerID: "peer-aaaa-1111", FrameType: "PING", Direction: "sent",
		}))
	}

	rec := doJSON(t, h, "GET", "/api/frames?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[registry.FramesResponse](t, rec)
	assert.Len(t, resp.Frames, 2)
	assert.Equal(t, 5, resp.TotalRecorded)

	// no limit falls back to the configured default
	rec = doJSON(t, h, "GET", "/api/frames", nil)
	resp = decode[registry.FramesResponse](t, rec)
	assert.Len(t, resp.Frames, 5)

	rec = doJSON(t, h, "GET", "/api/frames?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGossipPushAndRead(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec := doJSON(t, h, "POST", "/api/gossip", registry.GossipMetrics{
		ActiveViewSize:  2,
		ActiveViewMax:   5,
		PassiveViewSize: 8,
		AliveCount:      3,
		EagerPeers:      2,
		TreeValid:       true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, "GET", "/api/gossip", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[registry.GossipResponse](t, rec)
	assert.Equal(t, registry.HealthHealthy, resp.Hyparview.Health)
	assert.Equal(t, registry.HealthHealthy, resp.Swim.Health)
	assert.Equal(t, registry.HealthHealthy, resp.Plumtree.Health)
}

func TestGeoEnrichmentOnRegister(t *testing.T) {
	provider, err := geo.NewStaticProvider([]geo.Entry{
		{CIDR: "10.1.0.0/16", Location: geo.Location{CountryCode: "SE", Latitude: 59.3, Longitude: 18.1}},
	})
	require.NoError(t, err)

	srv, store, _ := newTestServer(t, provider)
	h := srv.Handler()

	rec := doJSON(t, h, "POST", "/api/register", registry.NodeRegistration{
		PeerID: "peer-aaaa-1111", Address: "10.1.4.4",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// a self-reported location is never overwritten
	rec = doJSON(t, h, "POST", "/api/register", registry.NodeRegistration{
		PeerID: "peer-bbbb-2222", Address: "10.1.4.5", CountryCode: "NO",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	byID := map[string]registry.PeerInfo{}
	for _, p := range store.Peers() {
		byID[p.PeerID] = p
	}
	assert.Equal(t, "SE", byID["peer-aaaa-1111"].CountryCode)
	assert.Equal(t, 59.3, byID["peer-aaaa-1111"].Latitude)
	assert.Equal(t, "NO", byID["peer-bbbb-2222"].CountryCode)
}

func TestHealthz(t *testing.T) {
	srv, _, mock := newTestServer(t, nil)
	h := srv.Handler()

	mock.Add(42 * time.Second)

	rec := doJSON(t, h, "GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(42), body["uptime_secs"])
}

func TestWebSocketFullStateThenEvents(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)

	_, err := store.Register(registry.NodeRegistration{PeerID: "peer-aaaa-1111"})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// first message is the full-state snapshot covering pre-attach history
	var state struct {
		Type  string                `json:"type"`
		Nodes []registry.PeerInfo   `json:"nodes"`
		Stats registry.NetworkStats `json:"stats"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&state))
	assert.Equal(t, "full_state", state.Type)
	require.Len(t, state.Nodes, 1)
	assert.Equal(t, "peer-aaaa-1111", state.Nodes[0].PeerID)

	// wait for the subscription to attach before mutating
	require.Eventually(t, func() bool {
		return store.SubscriberCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err = store.Register(registry.NodeRegistration{PeerID: "peer-bbbb-2222", CountryCode: "US"})
	require.NoError(t, err)

	var event map[string]any
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "node_registered", event["type"])
	assert.Equal(t, "peer-bbbb-2222", event["peer_id"])
	assert.Equal(t, "US", event["country_code"])
}

func TestUpdateMetrics(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)

	_, err := store.Register(registry.NodeRegistration{PeerID: "peer-aaaa-1111"})
	require.NoError(t, err)

	// refresh should not panic and should reflect the store counters
	srv.UpdateMetrics()
}
