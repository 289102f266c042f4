// Package localsim emulates the prompt counter service with nothing but a
// shared key-value store and an in-process broadcast bus. It is used when no
// service is configured. Every process pointing at the same store converges
// on one counter; increments are read-modify-write and two processes racing
// at the same instant can lose one.
package localsim

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"promptstats/internal/stats"
)

const (
	keyPrefix      = "promptstats:"
	totalKey       = keyPrefix + "total"
	presencePrefix = keyPrefix + "presence:"

	DefaultHeartbeat = 5 * time.Second
	DefaultTTL       = 15 * time.Second

	opTimeout = 5 * time.Second
)

// Storage is the durable key-value surface. GetValue returns nil for a
// missing key.
type Storage interface {
	GetValue(ctx context.Context, key string) ([]byte, error)
	PutValue(ctx context.Context, key string, value []byte) error
	DeleteValue(ctx context.Context, key string) error
	ListValues(ctx context.Context, prefix string) (map[string][]byte, error)
}

// Backend implements stats.Backend on top of Storage and Bus.
type Backend struct {
	store     Storage
	bus       Bus
	clock     quartz.Clock
	logger    *zap.Logger
	heartbeat time.Duration
	ttl       time.Duration

	// mu serializes counter increments made by this process
	mu sync.Mutex
}

var _ stats.Backend = (*Backend)(nil)

// Option tweaks a Backend.
type Option func(*Backend)

// WithBus shares a bus between several backends, the way tabs of one origin
// share a broadcast channel.
func WithBus(bus Bus) Option {
	return func(b *Backend) { b.bus = bus }
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clock quartz.Clock) Option {
	return func(b *Backend) { b.clock = clock }
}

// WithHeartbeat sets how often presence entries are refreshed and how long
// an entry stays live without a refresh.
func WithHeartbeat(interval, ttl time.Duration) Option {
	return func(b *Backend) {
		if interval > 0 {
			b.heartbeat = interval
		}
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

func New(store Storage, logger *zap.Logger, opts ...Option) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{
		store:     store,
		clock:     quartz.NewReal(),
		logger:    logger.Named("localsim"),
		heartbeat: DefaultHeartbeat,
		ttl:       DefaultTTL,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.bus == nil {
		b.bus = NewMemoryBus()
	}
	if b.ttl <= b.heartbeat {
		b.ttl = 3 * b.heartbeat
	}
	return b
}

// Read returns the stored counter with the live presence aggregate. A
// missing or unreadable counter reads as zero.
func (b *Backend) Read(ctx context.Context) (stats.GlobalStats, error) {
	total, err := b.total(ctx)
	if err != nil {
		return stats.GlobalStats{}, err
	}
	return b.snapshot(ctx, total)
}

func (b *Backend) total(ctx context.Context) (int64, error) {
	raw, err := b.store.GetValue(ctx, totalKey)
	if err != nil || raw == nil {
		return 0, err
	}
	var total int64
	if err := json.Unmarshal(raw, &total); err != nil {
		b.logger.Warn("stored counter is corrupt, starting from zero", zap.Error(err))
		return 0, nil
	}
	return total, nil
}

// snapshot pairs total with the presence entries that are live right now.
func (b *Backend) snapshot(ctx context.Context, total int64) (stats.GlobalStats, error) {
	presence, err := b.aggregate(ctx)
	if err != nil {
		return stats.GlobalStats{}, err
	}
	return stats.GlobalStats{
		TotalPrompts:    total,
		OnlineUsers:     presence.OnlineUsers,
		GeneratingUsers: presence.GeneratingUsers,
	}.Normalize(), nil
}

// Increment adds one to the stored counter and broadcasts the new snapshot.
// The counter key is written here and nowhere else.
func (b *Backend) Increment(ctx context.Context) error {
	b.mu.Lock()
	total, err := b.total(ctx)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	total++
	raw, err := json.Marshal(total)
	if err == nil {
		err = b.store.PutValue(ctx, totalKey, raw)
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}

	next, err := b.snapshot(ctx, total)
	if err != nil {
		return err
	}
	b.bus.Publish(next)
	return nil
}

// Subscribe registers fn on the bus and immediately hands it the stored
// snapshot.
func (b *Backend) Subscribe(fn func(stats.GlobalStats)) func() {
	unsubscribe := b.bus.Subscribe(fn)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	current, err := b.Read(ctx)
	if err != nil {
		b.logger.Warn("read stats for new subscriber", zap.Error(err))
		current = stats.Baseline()
	}
	fn(current)

	var once sync.Once
	return func() { once.Do(unsubscribe) }
}

// broadcast publishes the current snapshot; it only reads the counter, so
// totals written by other processes reach this bus on the next beat.
func (b *Backend) broadcast(ctx context.Context) error {
	current, err := b.Read(ctx)
	if err != nil {
		return err
	}
	b.bus.Publish(current)
	return nil
}

type presenceEntry struct {
	Generating bool  `json:"generating"`
	ExpiresAt  int64 `json:"expiresAt"`
}

// aggregate counts live entries and prunes expired or unreadable ones.
func (b *Backend) aggregate(ctx context.Context) (stats.Presence, error) {
	entries, err := b.store.ListValues(ctx, presencePrefix)
	if err != nil {
		return stats.Presence{}, err
	}
	now := b.clock.Now().UnixMilli()
	var p stats.Presence
	for key, raw := range entries {
		var entry presenceEntry
		if err := json.Unmarshal(raw, &entry); err != nil || entry.ExpiresAt <= now {
			if err := b.store.DeleteValue(ctx, key); err != nil {
				b.logger.Debug("prune presence entry", zap.String("key", key), zap.Error(err))
			}
			continue
		}
		p.OnlineUsers++
		if entry.Generating {
			p.GeneratingUsers++
		}
	}
	return p.Normalize(), nil
}

func presenceKey(clientID string) string {
	return presencePrefix + strings.TrimSpace(clientID)
}

// OpenPresence writes a liveness entry for clientID and keeps it fresh with a
// heartbeat until the connection is closed. An abruptly terminated process
// never withdraws its entry; it simply expires after the TTL.
func (b *Backend) OpenPresence(clientID string, fn func(stats.Presence)) stats.PresenceConn {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &presenceConn{
		backend: b,
		key:     presenceKey(clientID),
		cancel:  cancel,
	}
	conn.unsubscribe = b.bus.Subscribe(func(s stats.GlobalStats) {
		fn(s.Presence())
	})
	conn.beat(ctx)
	conn.waiter = b.clock.TickerFunc(ctx, b.heartbeat, func() error {
		conn.beat(ctx)
		return nil
	}, "localsim", "heartbeat")
	return conn
}

type presenceConn struct {
	backend     *Backend
	key         string
	cancel      context.CancelFunc
	unsubscribe func()
	waiter      quartz.Waiter

	mu         sync.Mutex
	generating bool
	closed     bool
}

// beat refreshes this client's entry and rebroadcasts the aggregate.
func (c *presenceConn) beat(parent context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	entry := presenceEntry{
		Generating: c.generating,
		ExpiresAt:  c.backend.clock.Now().Add(c.backend.ttl).UnixMilli(),
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, opTimeout)
	defer cancel()
	raw, err := json.Marshal(entry)
	if err != nil {
		c.backend.logger.Warn("encode presence entry", zap.Error(err))
		return
	}
	if err := c.backend.store.PutValue(ctx, c.key, raw); err != nil {
		c.backend.logger.Warn("write presence entry", zap.String("key", c.key), zap.Error(err))
		return
	}
	if err := c.backend.broadcast(ctx); err != nil {
		c.backend.logger.Warn("broadcast presence", zap.Error(err))
	}
}

func (c *presenceConn) SetGenerating(generating bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.generating = generating
	c.mu.Unlock()
	c.beat(context.Background())
}

// Close stops the heartbeat, withdraws the entry and tells everyone else.
func (c *presenceConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	_ = c.waiter.Wait()
	c.unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.backend.store.DeleteValue(ctx, c.key); err != nil {
		return err
	}
	return c.backend.broadcast(ctx)
}
