package internal

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxClientIDLen = 128

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServePresence upgrades a presence socket for ?client=<id>. The client counts
// as online for as long as the socket lives.
func (s *Server) ServePresence(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.URL.Query().Get("client"))
	if clientID == "" || len(clientID) > maxClientIDLen {
		http.Error(w, "missing or invalid client query param", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade presence socket", zap.Error(err))
		return
	}

	s.presence.Join(clientID)
	s.metrics.IncConn()
	s.presenceChanged()

	var client *PresenceClient
	client = newPresenceClient(clientID, conn, s.logger,
		func(beacon Beacon) {
			if s.presence.SetGenerating(clientID, beacon.Generating) {
				s.presenceChanged()
			}
		},
		func() {
			s.hub.Unregister(client)
			s.presence.Leave(clientID)
			s.metrics.DecConn()
			s.presenceChanged()
		},
	)
	if !s.hub.Register(client) {
		_ = conn.Close()
		s.presence.Leave(clientID)
		s.metrics.DecConn()
		s.presenceChanged()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (s *Server) presenceChanged() {
	online, generating := s.presence.Counts()
	s.metrics.SetPresence(online, generating)
	s.hub.Notify()
}
