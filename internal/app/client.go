package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	intrnl "promptstats/internal"
	"promptstats/internal/mode"
	"promptstats/internal/stats"
	"promptstats/internal/stats/localsim"
	"promptstats/internal/stats/remote"
	"promptstats/internal/storage"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenBackend is the one place that branches on the transport mode. Secure
// mode talks to the configured service; demo mode simulates the service on
// the local SQLite store so every process sharing the file converges. The
// returned closer releases whatever the backend opened.
func OpenBackend(ctx context.Context, selector *mode.Selector, cfg ClientConfig, logger *zap.Logger) (stats.Backend, io.Closer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if selector.IsSecure() {
		backend, err := remote.New(remote.Config{BaseURL: selector.ServiceURL()}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("remote backend: %w", err)
		}
		return backend, nopCloser{}, nil
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = DefaultDBPath()
	}
	if isFilePath(dbPath) {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	store, err := storage.NewStore(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	backend := localsim.New(store, logger, localsim.WithHeartbeat(cfg.Heartbeat, cfg.PresenceTTL))
	return backend, store, nil
}

// Session is everything a client process shares between its consumers.
type Session struct {
	Mode        mode.Mode
	Facade      *stats.Facade
	Coordinator *stats.Coordinator

	closer io.Closer
}

// NewSession decides the mode once and wires the backend, the presence
// coordinator and the facade.
func NewSession(ctx context.Context, cfg ClientConfig, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	selector := mode.NewSelector(mode.Config{ServiceURL: cfg.ServiceURL})
	backend, closer, err := OpenBackend(ctx, selector, cfg, logger)
	if err != nil {
		return nil, err
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = NewClientID()
	}
	coordinator := stats.NewCoordinator(backend, clientID, logger)
	logger.Info("stats session ready",
		zap.Stringer("mode", selector.Mode()),
		zap.String("client_id", clientID),
	)
	return &Session{
		Mode:        selector.Mode(),
		Facade:      stats.NewFacade(backend, coordinator, logger),
		Coordinator: coordinator,
		closer:      closer,
	}, nil
}

// Close waits for in-flight reads and increments, then releases the backend.
// Every consumer must be closed first.
func (s *Session) Close() error {
	s.Facade.Wait()
	return s.closer.Close()
}

// RunClient launches the terminal client against a fresh session.
func RunClient(ctx context.Context, cfg ClientConfig, logger *zap.Logger) error {
	session, err := NewSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	return intrnl.RunClient(session.Facade, intrnl.ClientOptions{
		ModeLabel:       session.Mode.String(),
		GenerationDelay: cfg.GenerationDelay,
	})
}
