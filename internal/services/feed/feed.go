// Package feed consumes executed trades from a redis stream and applies
// them to the wash-sale tracker
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/findosh/harvest/internal/logger"
	"github.com/findosh/harvest/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

const (
	readCount = 32
	readBlock = 5 * time.Second
	backoff   = time.Second

	// how often entries left pending by a failed apply are retried
	reclaimEvery = time.Minute
)

// StreamClient is the part of a redis client the consumer needs
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Sink applies a transaction
type Sink interface {
	ApplyTransaction(ctx context.Context, t models.Transaction) error
}

// Consumer reads the transaction stream as a member of a consumer group
type Consumer struct {
	client   StreamClient
	stream   string
	group    string
	consumer string
	sink     Sink
}

// NewConsumer creates a consumer named consumer in group
func NewConsumer(client StreamClient, stream, group, consumer string, sink Sink) *Consumer {
	return &Consumer{client: client, stream: stream, group: group, consumer: consumer, sink: sink}
}

// Run consumes until ctx is done. Entries this consumer was handed but
// never acknowledged, from a failed apply or a previous run, are retried on
// start and every reclaimEvery after.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s for stream %s: %w", c.group, c.stream, err)
	}
	logger.L.Info("transaction feed started", "stream", c.stream, "group", c.group, "consumer", c.consumer)

	var reclaimed time.Time
	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(reclaimed) >= reclaimEvery {
			if n, err := c.ProcessPending(ctx); err != nil && ctx.Err() == nil {
				logger.L.Error("failed to read pending transactions", "stream", c.stream, "error", err)
			} else if n > 0 {
				logger.L.Info("pending transactions acknowledged", "stream", c.stream, "count", n)
			}
			reclaimed = time.Now()
		}
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil && err != redis.Nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.L.Error("failed to read transaction stream", "stream", c.stream, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		for _, s := range streams {
			c.Process(ctx, s.Messages)
		}
	}
}

// ProcessPending walks this consumer's pending entries oldest first and
// applies them again. It returns how many were acknowledged.
func (c *Consumer) ProcessPending(ctx context.Context) (int, error) {
	start := "0"
	acked := 0
	for {
		// history reads never block; a negative Block leaves the option off
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, start},
			Count:    readCount,
			Block:    -1,
		}).Result()
		if err == redis.Nil {
			return acked, nil
		}
		if err != nil {
			return acked, err
		}

		read := 0
		for _, s := range streams {
			if len(s.Messages) == 0 {
				continue
			}
			read += len(s.Messages)
			acked += c.Process(ctx, s.Messages)
			start = s.Messages[len(s.Messages)-1].ID
		}
		if read < readCount {
			return acked, nil
		}
	}
}

// Process applies messages and acknowledges the ones that are done.
// Malformed or invalid messages are acknowledged so they are not redelivered
// forever; engine failures are left pending.
func (c *Consumer) Process(ctx context.Context, msgs []redis.XMessage) int {
	var ack []string
	for _, m := range msgs {
		t, err := ParseTransaction(m.Values)
		if err != nil {
			logger.L.Warn("dropping malformed transaction", "message_id", m.ID, "error", err)
			ack = append(ack, m.ID)
			continue
		}

		err = c.sink.ApplyTransaction(ctx, t)
		var verr *models.ValidationError
		switch {
		case err == nil:
			ack = append(ack, m.ID)
		case errors.As(err, &verr):
			logger.L.Warn("dropping invalid transaction", "message_id", m.ID, "transaction_id", t.TransactionID, "error", err)
			ack = append(ack, m.ID)
		default:
			logger.L.Error("failed to apply transaction, leaving pending", "message_id", m.ID, "transaction_id", t.TransactionID, "error", err)
		}
	}

	if len(ack) == 0 {
		return 0
	}
	if err := c.client.XAck(ctx, c.stream, c.group, ack...).Err(); err != nil {
		logger.L.Error("failed to acknowledge transactions", "stream", c.stream, "error", err)
		return 0
	}
	return len(ack)
}

// ParseTransaction decodes stream message fields
func ParseTransaction(values map[string]interface{}) (models.Transaction, error) {
	get := func(k string) string {
		v, ok := values[k]
		if !ok || v == nil {
			return ""
		}
		return strings.TrimSpace(fmt.Sprint(v))
	}

	t := models.Transaction{
		TaxEntityID:   get("tax_entity_id"),
		AccountID:     get("account_id"),
		Symbol:        get("symbol"),
		Side:          models.TradeSide(get("side")),
		TransactionID: get("transaction_id"),
	}

	date, err := time.Parse("2006-01-02", get("trade_date"))
	if err != nil {
		return t, fmt.Errorf("bad trade_date %q", get("trade_date"))
	}
	t.TradeDate = date

	if raw := get("realized_amount"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return t, fmt.Errorf("bad realized_amount %q", raw)
		}
		t.RealizedAmount = amount
	}

	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}
