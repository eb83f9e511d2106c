package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/campusops/entitycache/internal/metrics"
)

// SessionEndedMessage is the payload published on the session channel when
// authentication ends anywhere. Other payloads on the channel are ignored.
const SessionEndedMessage = "session-ended"

// SessionMonitor clears every cache when the user's session ends. The signal
// travels over a pub/sub channel on the durable tier's server, so a logout
// observed by any process sharing that tier clears all of them, covering the
// "logged out in another tab" case. All clearing paths are idempotent.
type SessionMonitor struct {
	caches  []*EntityCache
	store   Store
	client  valkey.Client
	channel string
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewSessionMonitor wires the monitor to the caches and store it clears.
// client may be nil when no durable tier is configured; cross-process signals
// are then unavailable but local SessionEnded still works.
func NewSessionMonitor(caches []*EntityCache, store Store, client valkey.Client, channel string, logger *slog.Logger, rec *metrics.Recorder) *SessionMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if channel == "" {
		channel = "entitycache:session"
	}
	return &SessionMonitor{
		caches:  caches,
		store:   store,
		client:  client,
		channel: channel,
		logger:  logger.With(slog.String("agent", "session_monitor")),
		metrics: rec,
	}
}

// Channel returns the pub/sub channel the monitor listens on.
func (m *SessionMonitor) Channel() string { return m.channel }

// Run subscribes to the session channel and blocks until the context ends.
// Without a pub/sub client it simply waits for cancellation so callers can
// treat both modes uniformly.
func (m *SessionMonitor) Run(ctx context.Context) error {
	if m.client == nil {
		m.logger.Info("session monitor running without cross-process signal")
		<-ctx.Done()
		return ctx.Err()
	}
	m.logger.Info("session monitor subscribed", slog.String("channel", m.channel))
	err := m.client.Receive(ctx, m.client.B().Subscribe().Channel(m.channel).Build(), func(msg valkey.PubSubMessage) {
		if msg.Message != SessionEndedMessage {
			return
		}
		// The clear must finish even if the subscription is being torn down.
		if err := m.SessionEnded(context.WithoutCancel(ctx)); err != nil {
			m.logger.Error("session clear failed", slog.Any("error", err))
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("cache: session subscribe: %w", err)
	}
	return err
}

// SessionEnded wipes every registered cache family and then the shared store,
// both tiers included. Clearing an already-empty cache is a no-op.
func (m *SessionMonitor) SessionEnded(ctx context.Context) error {
	m.logger.Info("session ended, clearing caches")
	for _, c := range m.caches {
		if err := c.ClearFamily(ctx); err != nil {
			return fmt.Errorf("cache: clear %s: %w", c.Entity(), err)
		}
	}
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("cache: clear store: %w", err)
	}
	m.metrics.ObserveSessionClear()
	return nil
}

// PublishSessionEnded announces the session boundary to every process on the
// shared tier and clears locally right away, so the publisher is covered even
// if its own subscription is gone.
func (m *SessionMonitor) PublishSessionEnded(ctx context.Context) error {
	if m.client != nil {
		cmd := m.client.B().Publish().Channel(m.channel).Message(SessionEndedMessage).Build()
		if err := m.client.Do(ctx, cmd).Error(); err != nil {
			return fmt.Errorf("cache: session publish: %w", err)
		}
	}
	return m.SessionEnded(ctx)
}
