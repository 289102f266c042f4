package localsim

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"promptstats/internal/stats"
	"promptstats/internal/storage"
)

const (
	testHeartbeat = 5 * time.Second
	testTTL       = 15 * time.Second
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func newTestBackend(t *testing.T, store Storage, bus Bus, clock quartz.Clock) *Backend {
	t.Helper()
	return New(store, zaptest.NewLogger(t),
		WithBus(bus),
		WithClock(clock),
		WithHeartbeat(testHeartbeat, testTTL),
	)
}

// recorder keeps the latest value handed to a callback.
type recorder[T any] struct {
	mu    sync.Mutex
	calls int
	last  T
}

func (r *recorder[T]) record(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = v
}

func (r *recorder[T]) get() (T, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.calls
}

func TestReadFreshStorageReturnsBaseline(t *testing.T) {
	backend := newTestBackend(t, newTestStore(t), NewMemoryBus(), quartz.NewMock(t))

	got, err := backend.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, stats.Baseline(), got)
}

func TestIncrementAccumulates(t *testing.T) {
	backend := newTestBackend(t, newTestStore(t), NewMemoryBus(), quartz.NewMock(t))
	ctx := context.Background()

	const n = 7
	for i := 0; i < n; i++ {
		require.NoError(t, backend.Increment(ctx))
	}
	got, err := backend.Read(ctx)
	require.NoError(t, err)
	require.EqualValues(t, n, got.TotalPrompts)
	require.Equal(t, 1, got.OnlineUsers)
}

func TestIncrementReachesEveryBackendOnTheBus(t *testing.T) {
	store := newTestStore(t)
	bus := NewMemoryBus()
	clock := quartz.NewMock(t)
	first := newTestBackend(t, store, bus, clock)
	second := newTestBackend(t, store, bus, clock)

	var seen recorder[stats.GlobalStats]
	unsubscribe := second.Subscribe(seen.record)
	defer unsubscribe()

	last, calls := seen.get()
	require.Equal(t, 1, calls, "subscribe delivers the stored snapshot right away")
	require.Equal(t, stats.Baseline(), last)

	require.NoError(t, first.Increment(context.Background()))
	require.NoError(t, first.Increment(context.Background()))
	last, calls = seen.get()
	require.Equal(t, 3, calls)
	require.EqualValues(t, 2, last.TotalPrompts)

	unsubscribe()
	unsubscribe()
	require.NoError(t, first.Increment(context.Background()))
	_, calls = seen.get()
	require.Equal(t, 3, calls, "no delivery after unsubscribe")
	require.Zero(t, bus.Count())
}

func TestCorruptStoredCounterFallsBackToBaseline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutValue(ctx, totalKey, []byte("{not json")))

	backend := newTestBackend(t, store, NewMemoryBus(), quartz.NewMock(t))
	got, err := backend.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, stats.Baseline(), got)

	require.NoError(t, backend.Increment(ctx))
	got, err = backend.Read(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.TotalPrompts)
}

func TestPresenceAggregatesAcrossClients(t *testing.T) {
	store := newTestStore(t)
	bus := NewMemoryBus()
	clock := quartz.NewMock(t)
	backend := newTestBackend(t, store, bus, clock)

	var a, b recorder[stats.Presence]
	connA := backend.OpenPresence("client-a", a.record)
	got, _ := a.get()
	require.Equal(t, stats.Presence{OnlineUsers: 1}, got)

	connB := backend.OpenPresence("client-b", b.record)
	got, _ = a.get()
	require.Equal(t, stats.Presence{OnlineUsers: 2}, got)
	got, _ = b.get()
	require.Equal(t, stats.Presence{OnlineUsers: 2}, got)

	connB.SetGenerating(true)
	got, _ = a.get()
	require.Equal(t, stats.Presence{OnlineUsers: 2, GeneratingUsers: 1}, got)

	require.NoError(t, connB.Close())
	require.NoError(t, connB.Close())
	got, _ = a.get()
	require.Equal(t, stats.Presence{OnlineUsers: 1}, got)

	entries, err := store.ListValues(context.Background(), presencePrefix)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, connA.Close())
	entries, err = store.ListValues(context.Background(), presencePrefix)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Zero(t, bus.Count())
}

func TestStaleEntriesExpire(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	clock := quartz.NewMock(t)
	backend := newTestBackend(t, store, NewMemoryBus(), clock)

	// An entry left behind by a process that died without closing.
	raw := []byte(`{"generating":true,"expiresAt":` +
		strconv.FormatInt(clock.Now().Add(testTTL).UnixMilli(), 10) + `}`)
	require.NoError(t, store.PutValue(ctx, presenceKey("crashed"), raw))

	var seen recorder[stats.Presence]
	conn := backend.OpenPresence("alive", seen.record)
	defer conn.Close()

	got, _ := seen.get()
	require.Equal(t, stats.Presence{OnlineUsers: 2, GeneratingUsers: 1}, got)

	for elapsed := time.Duration(0); elapsed < testTTL; elapsed += testHeartbeat {
		clock.Advance(testHeartbeat).MustWait(ctx)
	}

	got, _ = seen.get()
	require.Equal(t, stats.Presence{OnlineUsers: 1}, got)
	value, err := store.GetValue(ctx, presenceKey("crashed"))
	require.NoError(t, err)
	require.Nil(t, value, "expired entry is pruned")
}

func TestCorruptPresenceEntriesArePruned(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.PutValue(ctx, presenceKey("garbage"), []byte("nope")))

	backend := newTestBackend(t, store, NewMemoryBus(), quartz.NewMock(t))
	var seen recorder[stats.Presence]
	conn := backend.OpenPresence("alive", seen.record)
	defer conn.Close()

	got, _ := seen.get()
	require.Equal(t, stats.Presence{OnlineUsers: 1}, got)
	value, err := store.GetValue(ctx, presenceKey("garbage"))
	require.NoError(t, err)
	require.Nil(t, value)
}

func TestHeartbeatKeepsEntryAlive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	clock := quartz.NewMock(t)
	backend := newTestBackend(t, store, NewMemoryBus(), clock)

	var seen recorder[stats.Presence]
	conn := backend.OpenPresence("alive", seen.record)
	defer conn.Close()

	for i := 0; i < 10; i++ {
		clock.Advance(testHeartbeat).MustWait(ctx)
	}
	got, calls := seen.get()
	require.Equal(t, stats.Presence{OnlineUsers: 1}, got)
	require.Equal(t, 11, calls, "one update on open and one per heartbeat")
}

// afterGetStore runs hook once, right after the next read of key returns.
type afterGetStore struct {
	Storage
	key string

	mu   sync.Mutex
	hook func()
}

func (s *afterGetStore) GetValue(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.Storage.GetValue(ctx, key)
	if key == s.key {
		s.mu.Lock()
		hook := s.hook
		s.hook = nil
		s.mu.Unlock()
		if hook != nil {
			hook()
		}
	}
	return raw, err
}

func (s *afterGetStore) arm(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// Two processes share the database file but not a bus. A beat in one must
// not undo an increment the other made while the beat was in flight.
func TestHeartbeatKeepsOtherProcessIncrements(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	hooked := &afterGetStore{Storage: store, key: totalKey}
	idle := newTestBackend(t, hooked, NewMemoryBus(), quartz.NewMock(t))
	busy := newTestBackend(t, store, NewMemoryBus(), quartz.NewMock(t))

	var seen recorder[stats.Presence]
	conn := idle.OpenPresence("idle-tab", seen.record)
	defer conn.Close()

	hooked.arm(func() {
		require.NoError(t, busy.Increment(ctx))
	})
	conn.SetGenerating(true)

	got, err := busy.Read(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.TotalPrompts)

	require.NoError(t, busy.Increment(ctx))
	got, err = idle.Read(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, got.TotalPrompts)
}

func TestHeartbeatCarriesTotalsFromOtherProcesses(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	clock := quartz.NewMock(t)
	local := newTestBackend(t, store, NewMemoryBus(), clock)
	other := newTestBackend(t, store, NewMemoryBus(), clock)

	var totals recorder[stats.GlobalStats]
	unsubscribe := local.Subscribe(totals.record)
	defer unsubscribe()
	var presence recorder[stats.Presence]
	conn := local.OpenPresence("local", presence.record)
	defer conn.Close()

	otherConn := other.OpenPresence("other", func(stats.Presence) {})
	defer otherConn.Close()
	for i := 0; i < 3; i++ {
		require.NoError(t, other.Increment(ctx))
	}

	last, _ := totals.get()
	require.Zero(t, last.TotalPrompts, "separate buses do not deliver directly")

	clock.Advance(testHeartbeat).MustWait(ctx)

	last, _ = totals.get()
	require.EqualValues(t, 3, last.TotalPrompts)
	got, _ := presence.get()
	require.Equal(t, stats.Presence{OnlineUsers: 2}, got)
}

// A coordinator and facade over the local backend end to end: one tab opens,
// counts a prompt and closes.
func TestFacadeOverLocalBackend(t *testing.T) {
	store := newTestStore(t)
	clock := quartz.NewMock(t)
	backend := newTestBackend(t, store, NewMemoryBus(), clock)
	logger := zaptest.NewLogger(t)

	coord := stats.NewCoordinator(backend, "tab-1", logger)
	facade := stats.NewFacade(backend, coord, logger)

	changes := make(chan stats.GlobalStats, 64)
	consumer := facade.Activate(context.Background(), func(s stats.GlobalStats) {
		changes <- s
	})
	facade.Wait()
	require.Equal(t, stats.GlobalStats{TotalPrompts: 0, OnlineUsers: 1}, consumer.Snapshot())

	consumer.IncrementPrompt()
	facade.Wait()
	require.EqualValues(t, 1, consumer.Snapshot().TotalPrompts)

	consumer.SetGenerating(true)
	require.Equal(t, 1, consumer.Snapshot().GeneratingUsers)

	consumer.Close()
	require.False(t, coord.Connected())
	entries, err := store.ListValues(context.Background(), presencePrefix)
	require.NoError(t, err)
	require.Empty(t, entries)
}
