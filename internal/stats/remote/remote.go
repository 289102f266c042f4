// Package remote talks to the promptstats service: plain JSON requests for
// reads and increments, a server-sent event stream for counter pushes and a
// websocket for presence beacons.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"promptstats/internal/stats"
)

const (
	statsPath     = "/api/stats"
	incrementPath = "/api/stats/increment"
	streamPath    = "/api/stats/stream"
	presencePath  = "/api/presence"

	// StreamName is the SSE stream carrying counter pushes.
	StreamName = "stats"

	defaultHTTPTimeout = 5 * time.Second
	defaultRetryMin    = 250 * time.Millisecond
	defaultRetryMax    = 10 * time.Second
)

var ErrInvalidBaseURL = errors.New("service url must be an absolute http or https url")

// Config points the adapter at a service.
type Config struct {
	BaseURL string
	// HTTPClient is used for reads and increments. The event stream uses a
	// copy without a timeout.
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	RetryMin   time.Duration
	RetryMax   time.Duration
}

// Backend implements stats.Backend against the service.
type Backend struct {
	base     *url.URL
	client   *http.Client
	stream   *http.Client
	dialer   *websocket.Dialer
	retryMin time.Duration
	retryMax time.Duration
	logger   *zap.Logger
}

var _ stats.Backend = (*Backend)(nil)

func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	base, err := ParseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{
		base:     base,
		client:   cfg.HTTPClient,
		dialer:   cfg.Dialer,
		retryMin: cfg.RetryMin,
		retryMax: cfg.RetryMax,
		logger:   logger.Named("remote"),
	}
	if b.client == nil {
		b.client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	stream := *b.client
	stream.Timeout = 0
	b.stream = &stream
	if b.dialer == nil {
		b.dialer = websocket.DefaultDialer
	}
	if b.retryMin <= 0 {
		b.retryMin = defaultRetryMin
	}
	if b.retryMax < b.retryMin {
		b.retryMax = defaultRetryMax
	}
	return b, nil
}

// ParseBaseURL accepts absolute http and https URLs and strips any trailing
// slash.
func ParseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidBaseURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, ErrInvalidBaseURL
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed, nil
}

func (b *Backend) endpoint(path string) string {
	u := *b.base
	u.Path += path
	return u.String()
}

// presenceURL swaps the scheme to ws or wss and attaches the client id.
func (b *Backend) presenceURL(clientID string) string {
	u := *b.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += presencePath
	u.RawQuery = url.Values{"client": {clientID}}.Encode()
	return u.String()
}

func (b *Backend) Read(ctx context.Context) (stats.GlobalStats, error) {
	var s stats.GlobalStats
	if err := doJSONRequest(ctx, b.client, http.MethodGet, b.endpoint(statsPath), nil, &s); err != nil {
		return stats.GlobalStats{}, err
	}
	return s.Normalize(), nil
}

func (b *Backend) Increment(ctx context.Context) error {
	return doJSONRequest(ctx, b.client, http.MethodPost, b.endpoint(incrementPath), nil, nil)
}

func doJSONRequest(ctx context.Context, client *http.Client, method, endpoint string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("empty response body")
	}
	return json.Unmarshal(data, out)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}
