package remote

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/retry"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"promptstats/internal/stats"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	dialWait   = 10 * time.Second
	maxMessage = 1024
)

// Beacon is what a client tells the service about itself.
type Beacon struct {
	Generating bool `json:"generating"`
}

// OpenPresence starts announcing clientID and returns right away. The socket
// is dialed in the background and redialed whenever it drops; the current
// generating flag is sent again after every reconnect.
func (b *Backend) OpenPresence(clientID string, fn func(stats.Presence)) stats.PresenceConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &presenceConn{
		backend: b,
		url:     b.presenceURL(clientID),
		fn:      fn,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		c.run(ctx)
	}()
	return c
}

type presenceConn struct {
	backend *Backend
	url     string
	fn      func(stats.Presence)
	cancel  context.CancelFunc
	// wake is signalled whenever the flag changes; the writer reads the
	// latest value, so intermediate flips collapse.
	wake chan struct{}
	done chan struct{}

	mu         sync.Mutex
	generating bool
	closed     bool
}

func (c *presenceConn) SetGenerating(generating bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.generating = generating
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *presenceConn) beacon() Beacon {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Beacon{Generating: c.generating}
}

// Close stops the dial loop and waits for it, so fn is never called after
// Close returns.
func (c *presenceConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	<-c.done
	return nil
}

func (c *presenceConn) run(ctx context.Context) {
	logger := c.backend.logger
	for r := retry.New(c.backend.retryMin, c.backend.retryMax); r.Wait(ctx); {
		dialCtx, cancel := context.WithTimeout(ctx, dialWait)
		ws, _, err := c.backend.dialer.DialContext(dialCtx, c.url, nil)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("dial presence socket", zap.Error(err))
			}
			continue
		}
		r.Reset()
		if err := c.session(ctx, ws); err != nil && ctx.Err() == nil {
			logger.Debug("presence socket dropped", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// session runs one socket until it fails or ctx ends. Writes happen here,
// reads happen on a second goroutine.
func (c *presenceConn) session(ctx context.Context, ws *websocket.Conn) error {
	defer ws.Close()

	ws.SetReadLimit(maxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readPump(ctx, ws)
	}()

	if err := c.write(ws, c.beacon()); err != nil {
		_ = ws.Close()
		<-readErr
		return err
	}
	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				time.Now().Add(writeWait))
			_ = ws.Close()
			<-readErr
			return nil
		case err := <-readErr:
			return err
		case <-c.wake:
			if err := c.write(ws, c.beacon()); err != nil {
				_ = ws.Close()
				<-readErr
				return err
			}
		}
	}
}

func (c *presenceConn) write(ws *websocket.Conn, beacon Beacon) error {
	payload, err := json.Marshal(beacon)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *presenceConn) readPump(ctx context.Context, ws *websocket.Conn) error {
	for {
		messageType, payload, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		var p stats.Presence
		if err := json.Unmarshal(payload, &p); err != nil {
			c.backend.logger.Debug("drop malformed presence message", zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		c.fn(p.Normalize())
	}
}
