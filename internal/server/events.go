package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"vpnlink/internal/connectivity"
)

const (
	eventsWriteTimeout = 5 * time.Second
	eventsPingInterval = 30 * time.Second
)

var eventsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := strings.ToLower(strings.TrimSpace(r.Host))
		originHost := strings.ToLower(strings.TrimSpace(u.Host))
		return host == originHost
	},
}

// handleEvents pushes every connectivity status change to a WebSocket
// client, starting with the current one.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.serveEvents(conn)
}

func (s *Server) serveEvents(conn *websocket.Conn) {
	defer conn.Close()

	updates, cancel := s.deps.Connectivity.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case st := <-updates:
			if err := writeStatus(conn, st); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteTimeout)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeStatus(conn *websocket.Conn, st connectivity.Status) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
