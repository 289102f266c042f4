package stats

import (
	"sync"

	"go.uber.org/zap"
)

// Coordinator owns the single presence connection of a process and fans its
// aggregate updates out to every joined consumer. The connection is opened
// when the first consumer joins and closed when the last one leaves.
//
// Callbacks run with the coordinator's state lock held, one update at a time,
// so every callback sees the same value for a given update. Callbacks must not
// call back into the coordinator.
type Coordinator struct {
	backend  Backend
	clientID string
	logger   *zap.Logger

	// lifecycle serializes join, leave and generating pushes so the
	// connection is never opened twice or pushed to while being torn down.
	lifecycle sync.Mutex

	mu         sync.Mutex
	refs       int
	nextID     uint64
	callbacks  map[uint64]func(Presence)
	conn       PresenceConn
	epoch      uint64
	last       *Presence
	generating bool
}

// nothing is opened until the first Join
func NewCoordinator(backend Backend, clientID string, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		backend:   backend,
		clientID:  clientID,
		logger:    logger.Named("coordinator"),
		callbacks: make(map[uint64]func(Presence)),
	}
}

func (c *Coordinator) ClientID() string {
	return c.clientID
}

// Join registers onUpdate and returns the matching leave function. The first
// join opens the presence connection; later joins receive the last known
// aggregate right away. The returned function is safe to call more than once.
func (c *Coordinator) Join(onUpdate func(Presence)) (leave func()) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.callbacks[id] = onUpdate
	c.refs++
	first := c.refs == 1
	if !first && c.last != nil {
		onUpdate(*c.last)
	}
	c.mu.Unlock()

	if first {
		c.open()
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.leave(id) })
	}
}

// open must be called with lifecycle held. The backend may deliver updates
// synchronously from OpenPresence, so the state lock is released around it.
func (c *Coordinator) open() {
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	conn := c.backend.OpenPresence(c.clientID, func(p Presence) {
		c.deliver(epoch, p)
	})

	c.mu.Lock()
	c.conn = conn
	generating := c.generating
	c.mu.Unlock()

	c.logger.Debug("presence connection opened", zap.String("client_id", c.clientID))
	if generating {
		conn.SetGenerating(true)
	}
}

func (c *Coordinator) leave(id uint64) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if _, ok := c.callbacks[id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.callbacks, id)
	c.refs--
	if c.refs > 0 {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.epoch++
	c.last = nil
	c.generating = false
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		c.logger.Warn("close presence connection", zap.Error(err))
	}
	c.logger.Debug("presence connection closed", zap.String("client_id", c.clientID))
}

// deliver fans one aggregate out to every registered callback. Updates from a
// connection that has since been torn down are dropped.
func (c *Coordinator) deliver(epoch uint64, p Presence) {
	p = p.Normalize()
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return
	}
	c.last = &p
	for _, fn := range c.callbacks {
		fn(p)
	}
}

// SetGenerating records whether this process is generating. The flag is
// shared by all consumers: repeating the current value is a no-op and a change
// pushes exactly one update to the open connection. A change made while no
// connection is open is applied when the next one opens.
func (c *Coordinator) SetGenerating(generating bool) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.generating == generating {
		c.mu.Unlock()
		return
	}
	c.generating = generating
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.SetGenerating(generating)
	}
}

func (c *Coordinator) Generating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generating
}

func (c *Coordinator) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

func (c *Coordinator) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
