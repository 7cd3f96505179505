package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradewatch/internal/broker"
	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// streamMaxLen is the approximate maximum length for Redis streams, enforced
// via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// SignalBus mirrors broker events to Redis for consumers in other
// processes. Every event is published on the Pub/Sub channel
// "{prefix}:events:{topic}"; when a stream is configured it is also appended
// there for ordered, replayable delivery.
type SignalBus struct {
	rdb    *redis.Client
	keys   keys
	stream string
}

// NewSignalBus creates a SignalBus backed by the given Client. stream may be
// empty to disable stream mirroring.
func NewSignalBus(c *Client, stream string) *SignalBus {
	sb := &SignalBus{rdb: c.Underlying(), keys: keys{prefix: c.prefix}}
	if stream != "" {
		sb.stream = sb.keys.key(stream)
	}
	return sb
}

func (sb *SignalBus) Name() string { return "redis" }

// Mirror publishes e as an envelope.
func (sb *SignalBus) Mirror(ctx context.Context, e domain.Event) error {
	payload, err := domain.MarshalEnvelope(e)
	if err != nil {
		return fmt.Errorf("redis: marshal event %s: %w", e.Topic(), err)
	}
	if err := sb.Publish(ctx, sb.Channel(e.Topic()), payload); err != nil {
		return err
	}
	if sb.stream == "" {
		return nil
	}
	return sb.StreamAppend(ctx, sb.stream, payload)
}

// Channel returns the Pub/Sub channel events of topic are published on.
func (sb *SignalBus) Channel(topic string) string {
	return sb.keys.key("events", topic)
}

// Publish sends a raw byte payload to a Redis Pub/Sub channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// StreamAppend appends a payload to a Redis stream using XADD with an
// approximate MAXLEN of 10,000 entries for automatic trimming.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": payload,
		},
	}
	if err := sb.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

var _ broker.Mirror = (*SignalBus)(nil)
