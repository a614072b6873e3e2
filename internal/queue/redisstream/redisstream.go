// Package redisstream carries audit messages over a Redis stream read by a
// consumer group.
//
// Settled messages are acknowledged. Failed messages stay in the pending
// entries list; once idle for MinIdle they are claimed again, and after
// MaxDeliveries they are copied to the dead-letter stream and acknowledged.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"audittrail/internal/platform/metrics"
	"audittrail/internal/queue"
)

const (
	fieldBody = "body"
	fieldKey  = "key"

	transportName = "redis"
)

// Config names the streams and consumer behaviour.
type Config struct {
	Stream        string
	DeadLetter    string
	Group         string
	Consumer      string
	MaxBatch      int
	Block         time.Duration
	MinIdle       time.Duration
	MaxDeliveries int
	// MaxLen caps the stream length approximately; zero leaves it unbounded.
	MaxLen int64
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = "audit:entries"
	}
	if c.DeadLetter == "" {
		c.DeadLetter = c.Stream + ":dlq"
	}
	if c.Group == "" {
		c.Group = "audit-writer"
	}
	if c.Consumer == "" {
		c.Consumer = "writer-1"
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 100
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.MinIdle <= 0 {
		c.MinIdle = 30 * time.Second
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	return c
}

// Producer appends audit messages to the stream.
type Producer struct {
	client goredis.Cmdable
	cfg    Config
}

func NewProducer(client goredis.Cmdable, cfg Config) *Producer {
	return &Producer{client: client, cfg: cfg.withDefaults()}
}

func (p *Producer) Send(ctx context.Context, key string, body []byte) error {
	args := &goredis.XAddArgs{
		Stream: p.cfg.Stream,
		Values: map[string]any{fieldKey: key, fieldBody: string(body)},
	}
	if p.cfg.MaxLen > 0 {
		args.MaxLen = p.cfg.MaxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd audit message: %w", err)
	}
	return nil
}

// Consumer reads the stream as one member of the consumer group.
type Consumer struct {
	client  goredis.Cmdable
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Consumer)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) {
		c.metrics = m
	}
}

func NewConsumer(client goredis.Cmdable, cfg Config, opts ...Option) *Consumer {
	c := &Consumer{client: client, cfg: cfg.withDefaults(), logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureGroup creates the stream and consumer group when missing.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Run delivers batches until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle queue.BatchHandler) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := c.Poll(ctx, handle); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.ErrorContext(ctx, "redis stream poll failed", "stream", c.cfg.Stream, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// Poll runs one cycle: reclaim idle pending messages, read new ones, hand
// them to handle and acknowledge the settled ids. It returns how many
// messages were delivered.
func (c *Consumer) Poll(ctx context.Context, handle queue.BatchHandler) (int, error) {
	batch, err := c.reclaim(ctx)
	if err != nil {
		return 0, err
	}
	if len(batch) < c.cfg.MaxBatch {
		fresh, err := c.read(ctx, c.cfg.MaxBatch-len(batch), len(batch) == 0)
		if err != nil {
			return 0, err
		}
		batch = append(batch, fresh...)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	failed := handle(ctx, batch)
	if ids := settled(batch, failed); len(ids) > 0 {
		if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, ids...).Err(); err != nil {
			return len(batch), fmt.Errorf("xack audit messages: %w", err)
		}
	}
	for range failed {
		c.metrics.IncrementRequeued(transportName, "retry")
	}
	return len(batch), nil
}

// read takes new messages for this consumer, blocking only when nothing was reclaimed.
func (c *Consumer) read(ctx context.Context, count int, block bool) ([]queue.Message, error) {
	args := &goredis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    int64(count),
		Block:    -1,
	}
	if block {
		args.Block = c.cfg.Block
	}
	streams, err := c.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []queue.Message
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, toMessage(m, 1))
		}
	}
	return out, nil
}

// reclaim claims messages that stayed pending past MinIdle. Messages already
// delivered MaxDeliveries times are dead-lettered instead.
func (c *Consumer) reclaim(ctx context.Context) ([]queue.Message, error) {
	pending, err := c.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Idle:   c.cfg.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(c.cfg.MaxBatch),
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("xpending: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	deliveries := make(map[string]int64, len(pending))
	var claim []string
	for _, p := range pending {
		if p.RetryCount >= int64(c.cfg.MaxDeliveries) {
			if err := c.deadLetter(ctx, p.ID, p.RetryCount); err != nil {
				return nil, err
			}
			continue
		}
		deliveries[p.ID] = p.RetryCount
		claim = append(claim, p.ID)
	}
	if len(claim) == 0 {
		return nil, nil
	}

	claimed, err := c.client.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.MinIdle,
		Messages: claim,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("xclaim: %w", err)
	}
	out := make([]queue.Message, 0, len(claimed))
	for _, m := range claimed {
		out = append(out, toMessage(m, int(deliveries[m.ID])+1))
	}
	return out, nil
}

func (c *Consumer) deadLetter(ctx context.Context, id string, deliveries int64) error {
	entries, err := c.client.XRangeN(ctx, c.cfg.Stream, id, id, 1).Result()
	if err != nil {
		return fmt.Errorf("load pending message %s: %w", id, err)
	}
	if len(entries) > 0 {
		values := entries[0].Values
		if err := c.client.XAdd(ctx, &goredis.XAddArgs{
			Stream: c.cfg.DeadLetter,
			Values: map[string]any{
				fieldKey:     values[fieldKey],
				fieldBody:    values[fieldBody],
				"source_id":  id,
				"deliveries": deliveries,
			},
		}).Err(); err != nil {
			return fmt.Errorf("xadd dead letter: %w", err)
		}
	}
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("xack dead letter %s: %w", id, err)
	}
	c.metrics.IncrementRequeued(transportName, "dead_letter")
	c.logger.ErrorContext(ctx, "audit message dead-lettered",
		"message_id", id,
		"stream", c.cfg.DeadLetter,
		"deliveries", deliveries,
	)
	return nil
}

func toMessage(m goredis.XMessage, attempt int) queue.Message {
	body, _ := m.Values[fieldBody].(string)
	return queue.Message{ID: m.ID, Body: []byte(body), Attempt: attempt}
}

// settled returns the batch ids not reported as failed.
func settled(batch []queue.Message, failed []string) []string {
	skip := make(map[string]struct{}, len(failed))
	for _, id := range failed {
		skip[id] = struct{}{}
	}
	ids := make([]string, 0, len(batch))
	for _, m := range batch {
		if _, ok := skip[m.ID]; !ok {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
