// Package stats holds the shared prompt counter and presence model, the
// backend contract both transports satisfy, and the per-process coordination
// that lets many consumers share one presence connection.
package stats

import "context"

// GlobalStats is an immutable snapshot of the shared counter and the
// aggregate presence view. Snapshots are replaced, never mutated in place.
type GlobalStats struct {
	TotalPrompts    int64 `json:"totalPrompts"`
	OnlineUsers     int   `json:"onlineUsers"`
	GeneratingUsers int   `json:"generatingUsers"`
}

// Baseline is shown before any data arrives.
func Baseline() GlobalStats {
	return GlobalStats{OnlineUsers: 1}
}

// Normalize clamps a snapshot into its reportable range. The observing client
// always counts itself, so OnlineUsers never drops below one. GeneratingUsers
// is deliberately not bounded by OnlineUsers: a generating beacon may land
// before the matching online beacon.
func (s GlobalStats) Normalize() GlobalStats {
	if s.TotalPrompts < 0 {
		s.TotalPrompts = 0
	}
	if s.OnlineUsers < 1 {
		s.OnlineUsers = 1
	}
	if s.GeneratingUsers < 0 {
		s.GeneratingUsers = 0
	}
	return s
}

func (s GlobalStats) Presence() Presence {
	return Presence{OnlineUsers: s.OnlineUsers, GeneratingUsers: s.GeneratingUsers}.Normalize()
}

// Update is a partial snapshot as pushed by a backend. Nil fields were absent
// from the message.
type Update struct {
	TotalPrompts    *int64 `json:"totalPrompts,omitempty"`
	OnlineUsers     *int   `json:"onlineUsers,omitempty"`
	GeneratingUsers *int   `json:"generatingUsers,omitempty"`
}

// Merge overwrites the fields of prev that are present in the update and
// keeps the rest.
func (u Update) Merge(prev GlobalStats) GlobalStats {
	next := prev
	if u.TotalPrompts != nil {
		next.TotalPrompts = *u.TotalPrompts
	}
	if u.OnlineUsers != nil {
		next.OnlineUsers = *u.OnlineUsers
	}
	if u.GeneratingUsers != nil {
		next.GeneratingUsers = *u.GeneratingUsers
	}
	return next.Normalize()
}

func TotalUpdate(total int64) Update {
	return Update{TotalPrompts: &total}
}

func PresenceUpdate(p Presence) Update {
	online, generating := p.OnlineUsers, p.GeneratingUsers
	return Update{OnlineUsers: &online, GeneratingUsers: &generating}
}

// Presence is the aggregate of every live presence beacon.
type Presence struct {
	OnlineUsers     int `json:"onlineUsers"`
	GeneratingUsers int `json:"generatingUsers"`
}

func (p Presence) Normalize() Presence {
	if p.OnlineUsers < 1 {
		p.OnlineUsers = 1
	}
	if p.GeneratingUsers < 0 {
		p.GeneratingUsers = 0
	}
	return p
}

// Backend is the capability set shared by the remote service adapter and the
// local simulation. Implementations are chosen once at startup.
type Backend interface {
	// Read returns the current totals. A failed read means "unknown", callers
	// keep whatever they already have.
	Read(ctx context.Context) (GlobalStats, error)
	// Increment bumps the shared counter by one. Callers treat it as
	// best-effort telemetry and never retry.
	Increment(ctx context.Context) error
	// Subscribe delivers merged snapshots until the returned function is
	// called. The returned function is idempotent. Connection loss is handled
	// inside the backend and is never reported to fn.
	Subscribe(fn func(GlobalStats)) (unsubscribe func())
	// OpenPresence declares clientID online and delivers aggregate presence
	// counts to fn until the connection is closed. It must not block on
	// network I/O.
	OpenPresence(clientID string, fn func(Presence)) PresenceConn
}

type PresenceConn interface {
	SetGenerating(generating bool)
	Close() error
}
