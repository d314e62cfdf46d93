package channel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/comigor/leadbot/internal/logger"
)

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Gateway keeps a Transport connected and forwards fresh, foreign events to a Handler.
type Gateway struct {
	transport Transport
	handler   Handler
	startedAt time.Time
	log       *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
	sleep      func(ctx context.Context, d time.Duration) error

	loggedOut atomic.Bool
	connected atomic.Bool
	inflight  sync.WaitGroup
}

// GatewayOption customises a Gateway.
type GatewayOption func(*Gateway)

// WithBackoff overrides the reconnect backoff bounds.
func WithBackoff(lo, hi time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.minBackoff = lo
		g.maxBackoff = hi
	}
}

// WithSleep replaces the backoff sleeper (tests).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) GatewayOption {
	return func(g *Gateway) { g.sleep = sleep }
}

// WithStartTime overrides the process start used to discard history replay.
func WithStartTime(t time.Time) GatewayOption {
	return func(g *Gateway) { g.startedAt = t }
}

// NewGateway binds a transport to a handler.
func NewGateway(t Transport, h Handler, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		transport:  t,
		handler:    h,
		startedAt:  time.Now(),
		log:        logger.With("gateway"),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		sleep:      Sleep,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Connected reports whether the transport stream is currently open.
func (g *Gateway) Connected() bool { return g.connected.Load() }

// Run connects and dispatches events until ctx is done or Logout is called.
// Each accepted event is handled on its own goroutine. When the event stream
// closes for any other reason the transport is reconnected with capped
// exponential backoff. In-flight handlers are awaited before returning.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.inflight.Wait()

	backoff := g.minBackoff
	for {
		if g.loggedOut.Load() {
			return ErrLoggedOut
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		events, err := g.transport.Connect(ctx)
		if err != nil {
			g.log.Error("transport connect failed", "error", err, "retry_in", backoff)
		} else {
			g.connected.Store(true)
			g.log.Info("transport connected")
			backoff = g.minBackoff
			g.consume(ctx, events)
			g.connected.Store(false)

			if g.loggedOut.Load() {
				g.log.Info("transport closed after logout")
				return ErrLoggedOut
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			g.log.Warn("transport dropped, reconnecting", "retry_in", backoff)
		}

		if err := g.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > g.maxBackoff {
			backoff = g.maxBackoff
		}
	}
}

func (g *Gateway) consume(ctx context.Context, events <-chan InboundEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !g.accept(ev) {
				continue
			}
			g.inflight.Add(1)
			go func() {
				defer g.inflight.Done()
				g.handler(ctx, ev)
			}()
		}
	}
}

// accept discards the bot's own messages and anything sent before the
// process started, so restarts do not replay history.
func (g *Gateway) accept(ev InboundEvent) bool {
	if ev.FromSelf {
		g.log.Debug("discarding own message", "sender", ev.SenderID)
		return false
	}
	if ev.Timestamp.Before(g.startedAt.Truncate(time.Second)) {
		g.log.Debug("discarding stale message", "sender", ev.SenderID, "timestamp", ev.Timestamp)
		return false
	}
	if ev.SenderID == "" {
		return false
	}
	return true
}

// Logout marks the gateway as logged out and ends the transport session.
// Run returns ErrLoggedOut instead of reconnecting.
func (g *Gateway) Logout(ctx context.Context) error {
	g.loggedOut.Store(true)
	return g.transport.Logout(ctx)
}
