package internal

import (
	"context"
	"net/http"
	"sync"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
)

// sse stream name for counter pushes
const StatsStream = "stats"

type CounterStore interface {
	TotalPrompts(ctx context.Context) (int64, error)
	IncrementPrompts(ctx context.Context) (int64, error)
}

// Server is the promptstats service: the counter over plain HTTP, counter
// pushes over server-sent events and presence over websockets.
type Server struct {
	store    CounterStore
	hub      *Hub
	presence *PresenceTracker
	events   *sse.Server
	metrics  *Metrics
	logger   *zap.Logger

	closeOnce sync.Once
}

func NewServer(store CounterStore, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("server")

	events := sse.New()
	events.AutoReplay = false
	events.CreateStream(StatsStream)

	presence := NewPresenceTracker()
	s := &Server{
		store:    store,
		presence: presence,
		events:   events,
		metrics:  NewMetrics(),
		logger:   logger,
	}
	s.hub = NewHub(presence.Snapshot, logger.Named("hub"))
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", s.HandleStats)
	mux.HandleFunc("/api/stats/increment", s.HandleIncrement)
	mux.HandleFunc("/api/stats/stream", s.HandleStream)
	mux.HandleFunc("/api/presence", s.ServePresence)
	mux.HandleFunc("/healthz", s.HandleHealth)
	mux.Handle("/metrics", s.MetricsHandler())
	return mux
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics
}

// Close ends every stream and presence socket. Call it before shutting the
// HTTP server down, otherwise open streams keep the shutdown waiting.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.events.Close()
		s.hub.Close()
	})
}
