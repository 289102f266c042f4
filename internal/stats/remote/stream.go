package remote

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/coder/retry"
	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"promptstats/internal/stats"
)

// Subscribe follows the counter stream until the returned function is called.
// Each (re)connect first catches up with a plain read, then every pushed
// message is merged into the running snapshot and handed to fn. Dropped
// connections are retried quietly; fn only ever sees snapshots.
//
// The stream client may sit in its own reconnect backoff for a while, so
// unsubscribing does not wait for it to wind down. It only waits for a
// delivery already in progress.
func (b *Backend) Subscribe(fn func(stats.GlobalStats)) func() {
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu     sync.Mutex
		closed bool
	)
	go b.follow(ctx, func(s stats.GlobalStats) {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			fn(s)
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			mu.Lock()
			closed = true
			mu.Unlock()
		})
	}
}

func (b *Backend) follow(ctx context.Context, fn func(stats.GlobalStats)) {
	snapshot := stats.Baseline()
	deliver := func(u stats.Update) {
		if ctx.Err() != nil {
			return
		}
		snapshot = u.Merge(snapshot)
		fn(snapshot)
	}

	client := sse.NewClient(b.endpoint(streamPath))
	client.Connection = b.stream

	for r := retry.New(b.retryMin, b.retryMax); r.Wait(ctx); {
		if current, err := b.Read(ctx); err == nil {
			deliver(stats.TotalUpdate(current.TotalPrompts))
			r.Reset()
		} else if ctx.Err() == nil {
			b.logger.Debug("catch-up read failed", zap.Error(err))
		}

		err := client.SubscribeWithContext(ctx, StreamName, func(msg *sse.Event) {
			if len(msg.Data) == 0 {
				return
			}
			var u stats.Update
			if err := json.Unmarshal(msg.Data, &u); err != nil {
				b.logger.Debug("drop malformed stream message", zap.Error(err))
				return
			}
			deliver(u)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Debug("stats stream dropped", zap.Error(err))
		}
	}
}
