package internal

import (
	"sync"

	"promptstats/internal/stats"
)

type presenceEntry struct {
	conns      int
	generating bool
}

// PresenceTracker counts live presence sockets per client id. A client that
// opened several sockets counts once; its generating flag is whatever it
// reported last.
type PresenceTracker struct {
	mu      sync.Mutex
	clients map[string]*presenceEntry
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{clients: make(map[string]*presenceEntry)}
}

func (p *PresenceTracker) Join(clientID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.clients[clientID]
	if !ok {
		entry = &presenceEntry{}
		p.clients[clientID] = entry
	}
	entry.conns++
	return entry.conns
}

// Leave drops one socket for clientID. The client disappears, flag included,
// when its last socket goes.
func (p *PresenceTracker) Leave(clientID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.clients[clientID]
	if !ok {
		return 0
	}
	if entry.conns <= 1 {
		delete(p.clients, clientID)
		return 0
	}
	entry.conns--
	return entry.conns
}

// true when the flag actually changed
func (p *PresenceTracker) SetGenerating(clientID string, generating bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.clients[clientID]
	if !ok || entry.generating == generating {
		return false
	}
	entry.generating = generating
	return true
}

func (p *PresenceTracker) Online(clientID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.clients[clientID]
	return ok
}

// raw counts, no clamping
func (p *PresenceTracker) Counts() (online, generating int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.clients {
		online++
		if entry.generating {
			generating++
		}
	}
	return online, generating
}

func (p *PresenceTracker) Snapshot() stats.Presence {
	online, generating := p.Counts()
	return stats.Presence{OnlineUsers: online, GeneratingUsers: generating}.Normalize()
}
