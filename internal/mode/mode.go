// Package mode decides, once per process, whether stats go through the
// remote service or the local simulation.
package mode

import (
	"net/url"
	"strings"
	"sync"
)

type Mode int

const (
	// Demo keeps everything on this host: a shared store file plus an
	// in-process bus.
	Demo Mode = iota
	// Secure routes every read, increment and beacon through the service.
	Secure
)

func (m Mode) String() string {
	if m == Secure {
		return "secure"
	}
	return "demo"
}

// Config is the static input to the decision.
type Config struct {
	ServiceURL string
}

// Selector memoizes the decision. The first call to IsSecure or Mode fixes
// the answer for the life of the selector; later changes to reachability are
// not noticed.
type Selector struct {
	cfg  Config
	once sync.Once
	mode Mode
}

func NewSelector(cfg Config) *Selector {
	return &Selector{cfg: cfg}
}

func (s *Selector) Mode() Mode {
	s.once.Do(func() {
		s.mode = decide(s.cfg)
	})
	return s.mode
}

func (s *Selector) IsSecure() bool {
	return s.Mode() == Secure
}

// ServiceURL is the configured service address, trimmed.
func (s *Selector) ServiceURL() string {
	return strings.TrimSpace(s.cfg.ServiceURL)
}

func decide(cfg Config) Mode {
	raw := strings.TrimSpace(cfg.ServiceURL)
	if raw == "" {
		return Demo
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return Demo
	}
	switch parsed.Scheme {
	case "http", "https":
		return Secure
	}
	return Demo
}
