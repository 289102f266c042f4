package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReadTimeout      = 5 * time.Second
	defaultIncrementTimeout = 5 * time.Second
)

// Facade is the entry point consumers activate against. It is shared by all
// consumers of a process and holds no per-consumer state.
type Facade struct {
	backend          Backend
	coordinator      *Coordinator
	logger           *zap.Logger
	readTimeout      time.Duration
	incrementTimeout time.Duration

	inflight sync.WaitGroup
}

type Option func(*Facade)

// WithTimeouts bounds the initial read and the fire-and-forget increment.
func WithTimeouts(read, increment time.Duration) Option {
	return func(f *Facade) {
		if read > 0 {
			f.readTimeout = read
		}
		if increment > 0 {
			f.incrementTimeout = increment
		}
	}
}

func NewFacade(backend Backend, coordinator *Coordinator, logger *zap.Logger, opts ...Option) *Facade {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Facade{
		backend:          backend,
		coordinator:      coordinator,
		logger:           logger.Named("facade"),
		readTimeout:      defaultReadTimeout,
		incrementTimeout: defaultIncrementTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Wait blocks until every background read and increment started by this
// facade has finished.
func (f *Facade) Wait() {
	f.inflight.Wait()
}

// goAsync runs fn in the background. Failures, including panics, are logged
// and never reach the caller.
func (f *Facade) goAsync(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) {
	f.inflight.Add(1)
	go func() {
		defer f.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				f.logger.Error(name+" panicked", zap.Error(fmt.Errorf("%v", r)))
			}
		}()
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				f.logger.Debug(name+" canceled", zap.Error(err))
				return
			}
			f.logger.Warn(name+" failed", zap.Error(err))
		}
	}()
}

// Activate registers a new consumer. The consumer starts from the baseline
// snapshot; the authoritative read, the counter subscription and the presence
// join fill it in as they arrive. onChange, if set, is called with every new
// snapshot and never after Close returns. It must not call Close itself.
//
// Callers must Close the consumer on every exit path, usually with defer.
func (f *Facade) Activate(ctx context.Context, onChange func(GlobalStats)) *Consumer {
	ctx, cancel := context.WithCancel(ctx)
	c := &Consumer{
		facade:   f,
		onChange: onChange,
		cancel:   cancel,
	}
	baseline := Baseline()
	c.current.Store(&baseline)

	c.unsubscribe = f.backend.Subscribe(func(s GlobalStats) {
		c.applyConfirmed(s.TotalPrompts)
	})
	c.leave = f.coordinator.Join(c.applyPresence)

	f.goAsync(ctx, "initial stats read", f.readTimeout, func(ctx context.Context) error {
		s, err := f.backend.Read(ctx)
		if err != nil {
			return err
		}
		c.applyConfirmed(s.TotalPrompts)
		return nil
	})
	return c
}

// Consumer is one activation of the stats view. It owns its callback entry
// and its local snapshot, nothing else.
type Consumer struct {
	facade   *Facade
	onChange func(GlobalStats)
	cancel   context.CancelFunc

	unsubscribe func()
	leave       func()
	closeOnce   sync.Once

	current atomic.Pointer[GlobalStats]

	// mu serializes snapshot changes and onChange calls.
	mu            sync.Mutex
	closed        bool
	confirmed     int64
	haveConfirmed bool
}

func (c *Consumer) Snapshot() GlobalStats {
	return *c.current.Load()
}

func (c *Consumer) apply(change func(GlobalStats) (GlobalStats, bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	next, ok := change(*c.current.Load())
	if !ok {
		return
	}
	next = next.Normalize()
	c.current.Store(&next)
	if c.onChange != nil {
		c.onChange(next)
	}
}

// applyConfirmed takes a server-confirmed counter. Values older than the
// highest confirmed value seen are stale and dropped; anything else replaces
// the displayed counter, including optimistic bumps.
func (c *Consumer) applyConfirmed(total int64) {
	c.apply(func(s GlobalStats) (GlobalStats, bool) {
		if c.haveConfirmed && total < c.confirmed {
			return s, false
		}
		c.confirmed = total
		c.haveConfirmed = true
		s.TotalPrompts = total
		return s, true
	})
}

// presence fields only
func (c *Consumer) applyPresence(p Presence) {
	c.apply(func(s GlobalStats) (GlobalStats, bool) {
		s.OnlineUsers = p.OnlineUsers
		s.GeneratingUsers = p.GeneratingUsers
		return s, true
	})
}

// IncrementPrompt bumps the local counter right away and asks the backend to
// increment the shared one in the background. It never blocks on the backend
// and never fails; a failed increment is only logged. It does nothing after
// Close.
func (c *Consumer) IncrementPrompt() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.apply(func(s GlobalStats) (GlobalStats, bool) {
		s.TotalPrompts++
		return s, true
	})
	f := c.facade
	f.goAsync(context.Background(), "increment prompt", f.incrementTimeout, f.backend.Increment)
}

// deduplicated by the coordinator
func (c *Consumer) SetGenerating(generating bool) {
	c.facade.coordinator.SetGenerating(generating)
}

// Close releases the counter subscription and the presence join and cancels
// an initial read still in flight. It is safe to call more than once and from
// any exit path.
func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		if c.leave != nil {
			c.leave()
		}
	})
}
