// Package notify fans cache-invalidation signals out to every process
// sharing one Redis. The engine's caches are per-process; after mutating
// roles, teams or grants a host publishes once and every listener drops its
// local state.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	versionKey     = "authz:cache_version"
	defaultChannel = "authz.invalidate"
)

// Bus publishes and receives invalidation signals. A nil Bus or a Bus
// without a client is a no-op so Redis stays optional.
type Bus struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

// Option customizes a Bus.
type Option func(*Bus)

// WithChannel overrides the pub/sub channel name.
func WithChannel(name string) Option {
	return func(b *Bus) {
		if name != "" {
			b.channel = name
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New constructs a Bus with a random origin id identifying this process.
func New(client *redis.Client, opts ...Option) *Bus {
	b := &Bus{
		client:  client,
		channel: defaultChannel,
		origin:  uuid.NewString(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish bumps the shared invalidation version and announces the change.
// The payload carries the origin id, so the publishing process's own
// listener skips the message; the publisher is expected to have invalidated
// its local caches already.
func (b *Bus) Publish(ctx context.Context) error {
	if b == nil || b.client == nil {
		return nil
	}
	if err := b.client.Incr(ctx, versionKey).Err(); err != nil {
		return fmt.Errorf("notify: bump version: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, b.origin).Err(); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// Version reads the shared invalidation version, zero when never bumped.
func (b *Bus) Version(ctx context.Context) (int64, error) {
	if b == nil || b.client == nil {
		return 0, nil
	}
	ver, err := b.client.Get(ctx, versionKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("notify: read version: %w", err)
	}
	return ver, nil
}

// Listen subscribes to the invalidation channel and runs fn for every signal
// published by another process. It returns once the subscription is
// established and keeps consuming until ctx is done.
func (b *Bus) Listen(ctx context.Context, fn func()) error {
	if b == nil || b.client == nil {
		return nil
	}
	if fn == nil {
		return errors.New("notify: handler required")
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("notify: subscribe %s: %w", b.channel, err)
	}
	go func() {
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
				if msg.Payload == b.origin {
					continue
				}
				b.logger.Debug("cache invalidation received",
					slog.String("channel", b.channel),
					slog.String("origin", msg.Payload))
				fn()
			}
		}
	}()
	return nil
}
