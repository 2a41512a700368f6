package server

import (
	"net/http"
	"time"

	"meshpoint/internal/registry"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// fullState is the snapshot sent once when a live subscriber attaches.
// The bus never replays history; this message covers everything that
// happened before the subscription.
type fullState struct {
	Type  string                `json:"type"`
	Nodes []registry.PeerInfo   `json:"nodes"`
	Stats registry.NetworkStats `json:"stats"`
}

// handleWebSocket serves the /ws/live feed: a full-state snapshot
// followed by the subscriber's event stream. The session ends on
// transport close or send failure without affecting other subscribers.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	// Track active connection
	s.activeConns.Add(1)
	defer func() {
		conn.Close()
		s.activeConns.Done()
	}()

	state := fullState{
		Type:  "full_state",
		Nodes: s.store.Peers(),
		Stats: s.store.Stats(),
	}
	if err := conn.WriteJSON(state); err != nil {
		return
	}

	sub := s.store.Subscribe()
	defer sub.Close()

	done := make(chan struct{})

	// Writer: forwards events until the stream closes, the transport
	// fails, or the reader signals shutdown. gorilla allows only one
	// concurrent writer, so pings are sent from here too.
	go func() {
		ping := time.NewTicker(pingInterval)
		defer ping.Stop()
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					// dropped for lagging, or store shut down
					conn.Close()
					return
				}
				payload, err := registry.MarshalEvent(ev)
				if err != nil {
					s.log.WithError(err).Error("Failed to encode event")
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					conn.Close()
					return
				}
			case <-ping.C:
				deadline := time.Now().Add(writeWait)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Reader: drains control frames and detects transport close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(done)
}
