package internal

import (
	"encoding/json"
	"net/http"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"promptstats/internal/stats"
)

func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	total, err := s.store.TotalPrompts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	presence := s.presence.Snapshot()
	writeJSON(w, http.StatusOK, stats.GlobalStats{
		TotalPrompts:    total,
		OnlineUsers:     presence.OnlineUsers,
		GeneratingUsers: presence.GeneratingUsers,
	}.Normalize())
}

// bump + push the new total to stream subscribers
func (s *Server) HandleIncrement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	total, err := s.store.IncrementPrompts(r.Context())
	if err != nil {
		s.metrics.IncIncrementError()
		s.logger.Warn("increment prompts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncIncrement()
	s.publishTotal(total)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) publishTotal(total int64) {
	payload, err := json.Marshal(stats.TotalUpdate(total))
	if err != nil {
		s.logger.Warn("encode total", zap.Error(err))
		return
	}
	s.events.Publish(StatsStream, &sse.Event{Data: payload})
}

func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if r.URL.Query().Get("stream") == "" {
		query := r.URL.Query()
		query.Set("stream", StatsStream)
		r.URL.RawQuery = query.Encode()
	}
	s.metrics.IncStream()
	defer s.metrics.DecStream()
	s.events.ServeHTTP(w, r)
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
