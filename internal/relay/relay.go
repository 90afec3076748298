package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
)

// DefaultChannel is the Redis channel chat change events travel on.
const DefaultChannel = "chatsync:events"

// envelope is the wire form of a relayed chat change.
type envelope struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Origin    string         `json:"origin"`
	Timestamp int64          `json:"timestamp"`
	Change    bus.ChatChange `json:"change"`
}

// Relay mirrors chat change events between agents through Redis so that a
// subscriber on one agent sees writes made through another.
type Relay struct {
	client  *redis.Client
	bus     *bus.Bus
	channel string
	origin  string
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a relay. Each relay gets a fresh origin id; events it receives
// back from Redis under its own origin are ignored.
func New(client *redis.Client, b *bus.Bus, channel string, logger *zap.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		client:  client,
		bus:     b,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
	}
}

// Origin returns the id this relay stamps on outgoing events.
func (r *Relay) Origin() string { return r.origin }

// Start begins relaying in both directions. It returns once the Redis
// subscription is confirmed.
func (r *Relay) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return err
	}
	r.cancel = cancel

	local, unsub := r.bus.Subscribe(bus.ChatNamespace, 256)
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		defer unsub()
		r.outbound(ctx, local)
	}()
	go func() {
		defer r.wg.Done()
		r.inbound(ctx, pubsub)
	}()
	r.logger.Info("relay started", zap.String("channel", r.channel), zap.String("origin", r.origin))
	return nil
}

// Stop ends relaying and waits for both directions to finish.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Relay) outbound(ctx context.Context, local <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-local:
			if evt.Origin != "" {
				continue
			}
			change, ok := evt.Payload.(bus.ChatChange)
			if !ok {
				continue
			}
			data, err := json.Marshal(envelope{
				ID:        evt.ID,
				Kind:      evt.Kind,
				Origin:    r.origin,
				Timestamp: evt.Timestamp.UnixMilli(),
				Change:    change,
			})
			if err != nil {
				continue
			}
			if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil && ctx.Err() == nil {
				r.logger.Warn("relay publish failed", zap.String("kind", evt.Kind), zap.Error(err))
			}
		}
	}
}

func (r *Relay) inbound(ctx context.Context, pubsub *redis.PubSub) {
	defer func() { _ = pubsub.Close() }()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Debug("relay dropped malformed event", zap.Error(err))
				continue
			}
			if env.Origin == r.origin || env.Origin == "" || !strings.HasPrefix(env.Kind, bus.ChatNamespace) {
				continue
			}
			r.bus.Publish(bus.Event{
				ID:        env.ID,
				Kind:      env.Kind,
				Timestamp: time.UnixMilli(env.Timestamp),
				Payload:   env.Change,
				Origin:    env.Origin,
			})
		}
	}
}
