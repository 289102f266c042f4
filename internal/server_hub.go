package internal

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"promptstats/internal/stats"
)

// presence room state; everything goes through run
type Hub struct {
	snapshot func() stats.Presence
	logger   *zap.Logger

	clients    map[*PresenceClient]bool
	register   chan *PresenceClient
	unregister chan *PresenceClient
	changed    chan struct{}
	done       chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once

	mutex sync.RWMutex
	size  int
}

func NewHub(snapshot func() stats.Presence, logger *zap.Logger) *Hub {
	hub := &Hub{
		snapshot:   snapshot,
		logger:     logger,
		clients:    make(map[*PresenceClient]bool),
		register:   make(chan *PresenceClient),
		unregister: make(chan *PresenceClient),
		changed:    make(chan struct{}, 1),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (hub *Hub) Size() int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return hub.size
}

// false once the hub is closed
func (hub *Hub) Register(client *PresenceClient) bool {
	select {
	case hub.register <- client:
		return true
	case <-hub.done:
		return false
	}
}

func (hub *Hub) Unregister(client *PresenceClient) {
	select {
	case hub.unregister <- client:
	case <-hub.done:
	}
}

// pending notifications collapse into one broadcast
func (hub *Hub) Notify() {
	select {
	case hub.changed <- struct{}{}:
	default:
	}
}

func (hub *Hub) Close() {
	hub.closeOnce.Do(func() {
		close(hub.done)
		<-hub.stopped
	})
}

func (hub *Hub) run() {
	defer close(hub.stopped)
	for {
		select {
		case client := <-hub.register:
			hub.clients[client] = true
			hub.setSize()
			if payload, ok := hub.encode(); ok {
				hub.send(client, payload)
			}
		case client := <-hub.unregister:
			if _, exists := hub.clients[client]; exists {
				delete(hub.clients, client)
				close(client.send)
				hub.setSize()
			}
		case <-hub.changed:
			payload, ok := hub.encode()
			if !ok {
				continue
			}
			for client := range hub.clients {
				hub.send(client, payload)
			}
		case <-hub.done:
			for client := range hub.clients {
				delete(hub.clients, client)
				close(client.send)
			}
			hub.setSize()
			return
		}
	}
}

// full buffer means a slow reader, drop it
func (hub *Hub) send(client *PresenceClient, payload []byte) {
	select {
	case client.send <- payload:
	default:
		hub.logger.Debug("dropping slow presence client", zap.String("client_id", client.id))
		delete(hub.clients, client)
		close(client.send)
		hub.setSize()
	}
}

func (hub *Hub) encode() ([]byte, bool) {
	payload, err := json.Marshal(hub.snapshot())
	if err != nil {
		hub.logger.Warn("encode presence", zap.Error(err))
		return nil, false
	}
	return payload, true
}

func (hub *Hub) setSize() {
	hub.mutex.Lock()
	hub.size = len(hub.clients)
	hub.mutex.Unlock()
}
