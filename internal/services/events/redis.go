package events

import (
	"context"
	"encoding/json"

	"github.com/findosh/harvest/internal/logger"
	"github.com/go-redis/redis/v8"
)

const defaultStreamMaxLen = 100000

// StreamAdder is the part of a redis client the publisher needs
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisPublisher appends events to a redis stream
type RedisPublisher struct {
	client StreamAdder
	stream string
	maxLen int64
}

// NewRedisPublisher creates a publisher writing to stream
func NewRedisPublisher(client StreamAdder, stream string) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream, maxLen: defaultStreamMaxLen}
}

// Publish implements Publisher
func (p *RedisPublisher) Publish(ctx context.Context, e Event) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		logger.L.Error("failed to encode event payload", "type", e.Type, "error", err)
		return
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":        e.ID.String(),
			"type":      string(e.Type),
			"entity_id": e.EntityID,
			"subject":   e.Subject,
			"at":        e.At.Format("2006-01-02T15:04:05.000Z07:00"),
			"payload":   string(payload),
		},
	}).Err()
	if err != nil {
		logger.L.Error("failed to publish event", "stream", p.stream, "type", e.Type, "error", err)
	}
}
