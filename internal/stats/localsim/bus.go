package localsim

import (
	"sync"

	"promptstats/internal/stats"
)

// Bus carries snapshots between every context sharing an origin.
type Bus interface {
	Publish(s stats.GlobalStats)
	Subscribe(fn func(stats.GlobalStats)) (unsubscribe func())
}

// MemoryBus is a synchronous in-process Bus. Publish returns after every
// subscriber has seen the snapshot.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(stats.GlobalStats)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uint64]func(stats.GlobalStats))}
}

func (b *MemoryBus) Subscribe(fn func(stats.GlobalStats)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish snapshots the subscriber list first so subscribers may subscribe
// or unsubscribe from inside their callback.
func (b *MemoryBus) Publish(s stats.GlobalStats) {
	b.mu.RLock()
	fns := make([]func(stats.GlobalStats), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Count returns the number of live subscribers.
func (b *MemoryBus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
