package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"meshpoint/internal/config"
	"meshpoint/internal/geo"
	"meshpoint/internal/registry"
	"meshpoint/internal/util"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// Server is the HTTP and WebSocket front of the registry. All state lives
// in the store; handlers only translate between the wire and store calls.
type Server struct {
	cfg   *config.Config
	store *registry.Store
	geo   geo.Provider

	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	metrics    *Metrics
	log        *logrus.Entry

	// Connection tracking
	activeConns sync.WaitGroup
}

// New creates an API server over the given store. The geo provider may be
// nil; registrations then keep whatever location they self-reported.
func New(cfg *config.Config, store *registry.Store, geoProvider geo.Provider) *Server {
	s := &Server{
		cfg:   cfg,
		store: store,
		geo:   geoProvider,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		metrics: NewMetrics(),
		log:     logrus.WithField("component", "server"),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	api := s.router.PathPrefix("/api").Subrouter()

	// Write endpoints
	api.HandleFunc("/register", s.handleRegister).Methods("POST")
	api.HandleFunc("/heartbeat", s.handleHeartbeat).Methods("POST")
	api.HandleFunc("/report", s.handleReport).Methods("POST")
	api.HandleFunc("/gossip", s.handleGossipPush).Methods("POST")
	api.HandleFunc("/crdt", s.handleCrdt).Methods("POST")
	api.HandleFunc("/frames", s.handleFramePush).Methods("POST")
	api.HandleFunc("/test-request", s.handleTestRequest).Methods("POST")

	// Read endpoints
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/peers", s.handlePeers).Methods("GET")
	api.HandleFunc("/overview", s.handleOverview).Methods("GET")
	api.HandleFunc("/connections", s.handleConnections).Methods("GET")
	api.HandleFunc("/frames", s.handleFrames).Methods("GET")
	api.HandleFunc("/gossip", s.handleGossip).Methods("GET")

	s.router.HandleFunc("/ws/live", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")

	s.router.Use(s.loggingMiddleware)
}

// Handler returns the fully wired HTTP handler, CORS included
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Start begins serving and returns immediately. The server shuts down
// when the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	go func() {
		<-ctx.Done()
		if err := s.Stop(); err != nil {
			s.log.WithError(err).Error("Error stopping HTTP server")
		}
	}()

	s.log.WithField("addr", s.cfg.ListenAddr).Info("Registry API listening")
	return nil
}

// Stop gracefully shuts down the server, waiting for live subscriber
// connections to finish
func (s *Server) Stop() error {
	if s.httpServer == nil {
		s.metrics.Close()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	s.activeConns.Wait()
	s.metrics.Close()
	return err
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"elapsed": time.Since(start),
		}).Debug("Request handled")
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg registry.NodeRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode registration: %w", err))
		return
	}

	// Fill in a location for registrants that did not self-report one.
	// Lookup happens before any store call so no I/O runs under its lock.
	if reg.CountryCode == "" && s.geo != nil {
		addr := reg.Address
		if addr == "" {
			addr = util.GetRemoteIP(r)
		}
		if loc, err := s.geo.Lookup(addr); err == nil {
			reg.CountryCode = loc.CountryCode
			reg.Latitude = loc.Latitude
			reg.Longitude = loc.Longitude
		}
	}

	resp, err := s.store.Register(reg)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb registry.NodeHeartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode heartbeat: %w", err))
		return
	}
	if err := s.store.Heartbeat(hb); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var rep registry.ConnectionReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode connection report: %w", err))
		return
	}
	if err := s.store.RecordReport(rep); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGossipPush(w http.ResponseWriter, r *http.Request) {
	var m registry.GossipMetrics
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode gossip metrics: %w", err))
		return
	}
	s.store.UpdateGossip(m)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCrdt(w http.ResponseWriter, r *http.Request) {
	var rep registry.CrdtReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode crdt report: %w", err))
		return
	}
	if err := s.store.RecordCrdt(rep); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFramePush(w http.ResponseWriter, r *http.Request) {
	var f registry.ProtocolFrame
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode frame: %w", err))
		return
	}
	if err := s.store.RecordFrame(f); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// testRequest is the body of a connectivity test request
type testRequest struct {
	PeerID    string   `json:"peer_id"`
	Addresses []string `json:"addresses"`
	RelayAddr *string  `json:"relay_addr"`
}

func (s *Server) handleTestRequest(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode test request: %w", err))
		return
	}
	if err := s.store.RequestConnectivityTest(req.PeerID, req.Addresses, req.RelayAddr); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Stats())
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Peers())
}

func (s *Server) handleOverview(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Overview())
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Connections())
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.FramesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.store.Frames(limit))
}

func (s *Server) handleGossip(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Gossip())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime_secs": uint64(s.store.Uptime() / time.Second),
	})
}

// UpdateMetrics refreshes the Prometheus gauges from store counters
func (s *Server) UpdateMetrics() {
	stats := s.store.Stats()
	s.metrics.RegisteredPeers.Set(float64(stats.TotalRegisteredNodes))
	s.metrics.ConnectionAttempts.Set(float64(stats.ConnectionAttempts))
	s.metrics.ConnectionSuccesses.Set(float64(stats.ConnectionSuccesses))
	s.metrics.LiveSubscribers.Set(float64(s.store.SubscriberCount()))
	s.metrics.DroppedSubscribers.Set(float64(s.store.DroppedSubscribers()))
	s.metrics.MalformedEvents.Set(float64(s.store.MalformedEvents()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeStoreError maps the store's error taxonomy onto HTTP statuses
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownPeer):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, registry.ErrInvalidRegistration),
		errors.Is(err, registry.ErrIncompatibleVersion),
		errors.Is(err, registry.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
