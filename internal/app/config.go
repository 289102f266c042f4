package app

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// ServerConfig defines how the counter/presence service should run.
type ServerConfig struct {
	Addr string
	// DBPath is a SQLite file path or a postgres:// DSN.
	DBPath string
}

// ClientConfig defines the parameters a client process needs.
type ClientConfig struct {
	// ServiceURL switches the process to secure mode when it names an
	// http(s) service. Empty means demo mode.
	ServiceURL string
	// DBPath backs the demo-mode simulation.
	DBPath   string
	ClientID string

	Heartbeat       time.Duration
	PresenceTTL     time.Duration
	GenerationDelay time.Duration
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("PROMPTSTATS_DB_PATH"); env != "" {
		return env
	}
	if env := os.Getenv("PROMPTSTATS_DATA_DIR"); env != "" {
		return filepath.Join(env, "promptstats.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "promptstats", "promptstats.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Promptstats", "promptstats.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Promptstats", "promptstats.db")
		}
		return filepath.Join(home, ".local", "share", "promptstats", "promptstats.db")
	}
	return filepath.Join(".", ".promptstats", "promptstats.db")
}

// NewClientID returns a fresh presence identity for this process.
func NewClientID() string {
	return uuid.NewString()
}
