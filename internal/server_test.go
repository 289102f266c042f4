package internal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"promptstats/internal/stats"
	"promptstats/internal/stats/remote"
	"promptstats/internal/storage"
)

const eventually = 5 * time.Second

type failingStore struct{}

func (failingStore) TotalPrompts(context.Context) (int64, error) {
	return 0, errors.New("database is gone")
}

func (failingStore) IncrementPrompts(context.Context) (int64, error) {
	return 0, errors.New("database is gone")
}

func newTestServer(t *testing.T, store CounterStore) (*Server, *httptest.Server) {
	t.Helper()
	if store == nil {
		s, err := storage.NewStore("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		require.NoError(t, s.Migrate(context.Background()))
		store = s
	}
	// Socket pumps outlive the test function, so the server logs nowhere.
	server := NewServer(store, zap.NewNop())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(server.Close)
	return server, ts
}

func newTestRemote(t *testing.T, baseURL string) *remote.Backend {
	t.Helper()
	backend, err := remote.New(remote.Config{
		BaseURL:  baseURL,
		RetryMin: 10 * time.Millisecond,
		RetryMax: 100 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return backend
}

// latest records the newest value a callback received.
type latest[T any] struct {
	mu  sync.Mutex
	val T
}

func (l *latest[T]) set(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.val = v
}

func (l *latest[T]) get() T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.val
}

func TestHandleStatsDefaults(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got stats.GlobalStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, stats.Baseline(), got)
}

func TestHandleIncrement(t *testing.T) {
	server, ts := newTestServer(t, nil)

	for i := 0; i < 3; i++ {
		resp, err := http.Post(ts.URL+"/api/stats/increment", "application/json", nil)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	total, err := server.store.TotalPrompts(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
}

func TestMethodsAreChecked(t *testing.T) {
	server, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	server.HandleIncrement(rec, httptest.NewRequest(http.MethodGet, "/api/stats/increment", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodPost, rec.Header().Get("Allow"))

	rec = httptest.NewRecorder()
	server.HandleStats(rec, httptest.NewRequest(http.MethodPost, "/api/stats", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStoreFailuresBecomeJSONErrors(t *testing.T) {
	server, _ := newTestServer(t, failingStore{})

	rec := httptest.NewRecorder()
	server.HandleIncrement(rec, httptest.NewRequest(http.MethodPost, "/api/stats/increment", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "database is gone", body["error"])
}

func TestServePresenceRequiresClientID(t *testing.T) {
	server, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	server.ServePresence(rec, httptest.NewRequest(http.MethodGet, "/api/presence", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	long := strings.Repeat("x", maxClientIDLen+1)
	server.ServePresence(rec, httptest.NewRequest(http.MethodGet, "/api/presence?client="+long, nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoteStreamReceivesIncrements(t *testing.T) {
	_, ts := newTestServer(t, nil)
	backend := newTestRemote(t, ts.URL)

	var seen latest[stats.GlobalStats]
	unsubscribe := backend.Subscribe(seen.set)
	defer unsubscribe()

	// The catch-up read lands first; wait for the stream to be attached by
	// retrying the increment until a push arrives.
	require.Eventually(t, func() bool {
		if err := backend.Increment(context.Background()); err != nil {
			return false
		}
		return seen.get().TotalPrompts > 0
	}, eventually, 50*time.Millisecond)

	got, err := backend.Read(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return seen.get().TotalPrompts == got.TotalPrompts
	}, eventually, 10*time.Millisecond)
}

func TestRemotePresenceAggregates(t *testing.T) {
	server, ts := newTestServer(t, nil)
	backend := newTestRemote(t, ts.URL)

	var a, b latest[stats.Presence]
	connA := backend.OpenPresence("client-a", a.set)
	connB := backend.OpenPresence("client-b", b.set)

	require.Eventually(t, func() bool {
		return a.get().OnlineUsers == 2 && b.get().OnlineUsers == 2
	}, eventually, 10*time.Millisecond)

	connB.SetGenerating(true)
	require.Eventually(t, func() bool {
		return a.get().GeneratingUsers == 1
	}, eventually, 10*time.Millisecond)

	resp, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	var snapshot stats.GlobalStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
	_ = resp.Body.Close()
	require.Equal(t, 2, snapshot.OnlineUsers)
	require.Equal(t, 1, snapshot.GeneratingUsers)

	require.NoError(t, connB.Close())
	require.Eventually(t, func() bool {
		return a.get() == stats.Presence{OnlineUsers: 1}
	}, eventually, 10*time.Millisecond)

	require.NoError(t, connA.Close())
	require.Eventually(t, func() bool {
		online, _ := server.presence.Counts()
		return online == 0 && server.hub.Size() == 0
	}, eventually, 10*time.Millisecond)
}

func TestSameClientIDCountsOnce(t *testing.T) {
	server, ts := newTestServer(t, nil)
	backend := newTestRemote(t, ts.URL)

	var first, second latest[stats.Presence]
	connA := backend.OpenPresence("same", first.set)
	defer connA.Close()
	connB := backend.OpenPresence("same", second.set)

	require.Eventually(t, func() bool {
		return server.hub.Size() == 2
	}, eventually, 10*time.Millisecond)
	online, _ := server.presence.Counts()
	require.Equal(t, 1, online)

	require.NoError(t, connB.Close())
	require.Eventually(t, func() bool {
		return server.hub.Size() == 1
	}, eventually, 10*time.Millisecond)
	require.True(t, server.presence.Online("same"))
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/api/stats/increment", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "promptstats_prompts_increments_total 1")
}

func scrapeMetrics(baseURL string) string {
	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	return string(body)
}

// A socket that arrives after the hub stopped is turned away, and the
// presence gauges go back to what they were.
func TestRejectedPresenceSocketResetsGauges(t *testing.T) {
	server, ts := newTestServer(t, nil)
	server.hub.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/presence?client=late"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the server hangs up once registration fails
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(eventually)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)

	require.Eventually(t, func() bool {
		body := scrapeMetrics(ts.URL)
		return strings.Contains(body, "promptstats_presence_online_users 0") &&
			strings.Contains(body, "promptstats_presence_connections 0")
	}, eventually, 10*time.Millisecond)
	require.False(t, server.presence.Online("late"))
}

// Two facades in separate "processes" share the service: each counts the
// other's prompts and sees the other online.
func TestFacadesConvergeThroughService(t *testing.T) {
	_, ts := newTestServer(t, nil)
	logger := zaptest.NewLogger(t)

	open := func(clientID string) (*stats.Facade, *stats.Consumer) {
		backend := newTestRemote(t, ts.URL)
		coord := stats.NewCoordinator(backend, clientID, logger)
		facade := stats.NewFacade(backend, coord, logger)
		return facade, facade.Activate(context.Background(), nil)
	}
	facadeA, consumerA := open("proc-a")
	facadeB, consumerB := open("proc-b")
	defer func() {
		consumerA.Close()
		consumerB.Close()
		facadeA.Wait()
		facadeB.Wait()
	}()

	require.Eventually(t, func() bool {
		return consumerA.Snapshot().OnlineUsers == 2 && consumerB.Snapshot().OnlineUsers == 2
	}, eventually, 10*time.Millisecond)

	// B's stream may still be attaching, so keep counting until a push gets
	// through; afterwards both sides must agree on the total.
	require.Eventually(t, func() bool {
		consumerA.IncrementPrompt()
		return consumerB.Snapshot().TotalPrompts > 0
	}, eventually, 50*time.Millisecond)
	facadeA.Wait()
	require.Eventually(t, func() bool {
		return consumerA.Snapshot().TotalPrompts == consumerB.Snapshot().TotalPrompts
	}, eventually, 10*time.Millisecond)

	consumerB.SetGenerating(true)
	require.Eventually(t, func() bool {
		return consumerA.Snapshot().GeneratingUsers == 1
	}, eventually, 10*time.Millisecond)
}
