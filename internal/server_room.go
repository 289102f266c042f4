package internal

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1024
)

// Beacon is the only message a presence client sends.
type Beacon struct {
	Generating bool `json:"generating"`
}

// single presence socket
type PresenceClient struct {
	id           string
	conn         *websocket.Conn
	send         chan []byte
	logger       *zap.Logger
	onBeacon     func(Beacon)
	onDisconnect func()
}

func newPresenceClient(id string, conn *websocket.Conn, logger *zap.Logger, onBeacon func(Beacon), onDisconnect func()) *PresenceClient {
	return &PresenceClient{
		id:           id,
		conn:         conn,
		send:         make(chan []byte, 16),
		logger:       logger,
		onBeacon:     onBeacon,
		onDisconnect: onDisconnect,
	}
}

func (client *PresenceClient) readPump() {
	defer func() {
		client.conn.Close()
		if client.onDisconnect != nil {
			client.onDisconnect()
		}
	}()
	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				client.logger.Debug("presence socket closed", zap.String("client_id", client.id), zap.Error(err))
			}
			return
		}
		var beacon Beacon
		if err := json.Unmarshal(payload, &beacon); err != nil {
			client.logger.Debug("ignore malformed beacon", zap.String("client_id", client.id), zap.Error(err))
			continue
		}
		if client.onBeacon != nil {
			client.onBeacon(beacon)
		}
	}
}

func (client *PresenceClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
