package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Consumer reads invocations of one function from its stream.
type Consumer struct {
	client        valkey.Client
	fn            Function
	consumerID    string
	timeout       time.Duration
	claimIdle     time.Duration
	maxDeliveries int64
	logger        *slog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithRedelivery sets how long a pending invocation must sit idle before any
// consumer claims it again, and how many deliveries it gets before it is
// acknowledged and dropped.
func WithRedelivery(idle time.Duration, maxDeliveries int64) ConsumerOption {
	return func(c *Consumer) {
		if idle > 0 {
			c.claimIdle = idle
		}
		if maxDeliveries > 0 {
			c.maxDeliveries = maxDeliveries
		}
	}
}

// NewConsumer builds a consumer. consumerID must be stable across restarts
// of the same worker so its pending list is recovered.
func NewConsumer(client valkey.Client, fn Function, consumerID string, timeout time.Duration, logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		client:        client,
		fn:            fn,
		consumerID:    consumerID,
		timeout:       timeout,
		claimIdle:     2 * time.Minute,
		maxDeliveries: 5,
		logger:        logger.With(slog.String("function", string(fn))),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// EnsureGroup creates the consumer group if it doesn't exist.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	resp := c.client.Do(ctx, c.client.B().XgroupCreate().
		Key(StreamName(c.fn)).Group(GroupName).Id("0").Mkstream().Build())
	if err := resp.Error(); err != nil {
		// BUSYGROUP means group already exists
		if err.Error() != "BUSYGROUP Consumer Group name already exists" {
			return fmt.Errorf("xgroup create %s: %w", c.fn, err)
		}
	}
	return nil
}

// Consume blocks reading invocations and passes each to handler. Messages are
// acknowledged on success or permanent failure. Transient failures stay
// pending and are reclaimed once idle for the redelivery interval, by this
// consumer or any other in the group.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	c.drainPending(ctx, handler)
	lastClaim := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Since(lastClaim) >= c.claimIdle/2 {
			c.Reclaim(ctx, handler)
			lastClaim = time.Now()
		}

		resp := c.client.Do(ctx, c.client.B().Xreadgroup().
			Group(GroupName, c.consumerID).
			Count(1).Block(5000).
			Streams().Key(StreamName(c.fn)).Id(">").
			Build())

		if err := resp.Error(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Timeout is normal for BLOCK reads
			continue
		}

		results, err := resp.AsXRead()
		if err != nil {
			continue
		}

		for _, messages := range results {
			for _, msg := range messages {
				c.process(ctx, msg, handler)
			}
		}
	}
}

// drainPending works through messages previously delivered to this consumer
// but not ACKed, a page at a time until the pending list is exhausted.
func (c *Consumer) drainPending(ctx context.Context, handler Handler) {
	c.dropExhausted(ctx)
	after := "0"
	for ctx.Err() == nil {
		resp := c.client.Do(ctx, c.client.B().Xreadgroup().
			Group(GroupName, c.consumerID).
			Count(10).
			Streams().Key(StreamName(c.fn)).Id(after).
			Build())

		if err := resp.Error(); err != nil {
			c.logger.Warn("drain pending failed", slog.String("error", err.Error()))
			return
		}
		results, err := resp.AsXRead()
		if err != nil {
			return
		}
		messages := results[StreamName(c.fn)]
		if len(messages) == 0 {
			return
		}
		for _, msg := range messages {
			c.logger.Info("recovering pending invocation", slog.String("id", msg.ID))
			c.process(ctx, msg, handler)
		}
		after = messages[len(messages)-1].ID
	}
}

// Reclaim drops invocations that exhausted their deliveries, then claims the
// remaining idle pending invocations of the group and handles them.
func (c *Consumer) Reclaim(ctx context.Context, handler Handler) {
	c.dropExhausted(ctx)

	start := "0-0"
	for ctx.Err() == nil {
		resp := c.client.Do(ctx, c.client.B().Xautoclaim().
			Key(StreamName(c.fn)).Group(GroupName).Consumer(c.consumerID).
			MinIdleTime(strconv.FormatInt(c.claimIdle.Milliseconds(), 10)).
			Start(start).Count(10).
			Build())
		parts, err := resp.ToArray()
		if err != nil || len(parts) < 2 {
			if err != nil {
				c.logger.Warn("xautoclaim failed", slog.String("error", err.Error()))
			}
			return
		}
		messages, err := parts[1].AsXRange()
		if err != nil {
			c.logger.Warn("xautoclaim decode failed", slog.String("error", err.Error()))
			return
		}
		for _, msg := range messages {
			c.logger.Info("reclaimed idle invocation", slog.String("id", msg.ID))
			c.process(ctx, msg, handler)
		}
		next, err := parts[0].ToString()
		if err != nil || next == "0-0" {
			return
		}
		start = next
	}
}

// dropExhausted acknowledges idle invocations that were delivered
// maxDeliveries times or more.
func (c *Consumer) dropExhausted(ctx context.Context) {
	resp := c.client.Do(ctx, c.client.B().Xpending().
		Key(StreamName(c.fn)).Group(GroupName).
		Idle(c.claimIdle.Milliseconds()).Start("-").End("+").Count(100).
		Build())
	entries, err := resp.ToArray()
	if err != nil {
		c.logger.Warn("xpending failed", slog.String("error", err.Error()))
		return
	}
	for _, e := range entries {
		fields, err := e.ToArray()
		if err != nil || len(fields) < 4 {
			continue
		}
		id, _ := fields[0].ToString()
		deliveries, _ := fields[3].AsInt64()
		if deliveries < c.maxDeliveries {
			continue
		}
		c.logger.Error("invocation abandoned",
			slog.String("id", id),
			slog.Int64("deliveries", deliveries))
		c.ack(ctx, id)
	}
}

func (c *Consumer) process(ctx context.Context, msg valkey.XRangeEntry, handler Handler) {
	data, ok := msg.FieldValues["data"]
	if !ok {
		c.logger.Warn("invocation missing data field", slog.String("id", msg.ID))
		c.ack(ctx, msg.ID)
		return
	}
	if !json.Valid([]byte(data)) {
		c.logger.Error("invocation payload is not json", slog.String("id", msg.ID), slog.String("payload", data))
		c.ack(ctx, msg.ID)
		return
	}

	hctx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	err := handler(hctx, json.RawMessage(data))
	switch {
	case err == nil:
		c.ack(ctx, msg.ID)
	case IsPermanent(err):
		c.logger.Error("invocation rejected", slog.String("error", err.Error()),
			slog.String("id", msg.ID), slog.String("payload", data))
		c.ack(ctx, msg.ID)
	default:
		c.logger.Error("handle invocation", slog.String("error", err.Error()), slog.String("id", msg.ID))
	}
}

func (c *Consumer) ack(ctx context.Context, msgID string) {
	resp := c.client.Do(ctx, c.client.B().Xack().
		Key(StreamName(c.fn)).Group(GroupName).Id(msgID).Build())
	if err := resp.Error(); err != nil {
		c.logger.Error("xack failed", slog.String("error", err.Error()), slog.String("id", msgID))
	}
}
