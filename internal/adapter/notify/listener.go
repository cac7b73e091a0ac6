// Package notify bridges Postgres LISTEN/NOTIFY into the process. A dedicated
// pooled connection listens on the status channels and hands payloads to a
// handler (the WebSocket hub in the server binary).
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/chartpipe/internal/domain"
)

// Handler receives every notification payload with its channel name.
type Handler func(channel, payload string)

// Listener subscribes to the job and chart status channels.
type Listener struct {
	pool          *pgxpool.Pool
	channels      []string
	keepalive     time.Duration
	reconnectWait time.Duration
	handler       Handler
}

// New constructs a Listener for the two status channels.
func New(pool *pgxpool.Pool, keepalive, reconnectWait time.Duration, handler Handler) *Listener {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	if reconnectWait <= 0 {
		reconnectWait = 5 * time.Second
	}
	return &Listener{
		pool:          pool,
		channels:      []string{domain.ChannelJobStatus, domain.ChannelChartStatus},
		keepalive:     keepalive,
		reconnectWait: reconnectWait,
		handler:       handler,
	}
}

// Run blocks until the context is cancelled, reconnecting with a fixed delay
// whenever the listening connection drops. The guard means a dead database
// produces one reconnect attempt per interval, not a hot loop.
func (l *Listener) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Error("notification listener disconnected; reconnecting",
			slog.Any("error", err),
			slog.Duration("wait", l.reconnectWait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.reconnectWait):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	for _, ch := range l.channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return err
		}
	}
	slog.Info("notification listener connected", slog.Any("channels", l.channels))

	for {
		waitCtx, cancel := context.WithTimeout(ctx, l.keepalive)
		n, err := conn.Conn().WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// Idle keepalive: a trivial query proves the connection
				// is still healthy between notifications.
				if _, err := conn.Exec(ctx, "SELECT 1"); err != nil {
					return err
				}
				continue
			}
			return err
		}
		l.handler(n.Channel, n.Payload)
	}
}
