// Package kafka carries audit messages over a Kafka topic.
//
// The consumer commits every polled batch once the handler has settled it.
// Records the handler reports as failed are produced again to the same topic
// with an incremented attempt header, or to the dead-letter topic once they
// reach the delivery limit. Redelivery therefore never blocks the partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"audittrail/internal/platform/metrics"
	"audittrail/internal/queue"
)

const (
	// AttemptHeader records how many times a record has been delivered.
	AttemptHeader = "audit-attempt"
	// ErrorHeader carries the reason a record was dead-lettered.
	ErrorHeader = "audit-dead-letter-reason"

	transportName = "kafka"
)

// Config names the topics and consumer behaviour.
type Config struct {
	Brokers       []string
	Topic         string
	DeadLetter    string
	Group         string
	MaxBatch      int
	MaxDeliveries int
}

func (c Config) withDefaults() Config {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 100
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.DeadLetter == "" {
		c.DeadLetter = c.Topic + ".dlq"
	}
	return c
}

// Producer sends audit messages to the topic, keyed by client id so one
// client's entries share a partition.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects a producer to the configured brokers.
func NewProducer(cfg Config, opts ...kgo.Opt) (*Producer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Producer{client: client, topic: cfg.Topic}, nil
}

func (p *Producer) Send(ctx context.Context, key string, body []byte) error {
	rec := &kgo.Record{
		Topic:   p.topic,
		Key:     []byte(key),
		Value:   body,
		Headers: []kgo.RecordHeader{attemptHeader(1)},
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce audit message: %w", err)
	}
	return nil
}

func (p *Producer) Close() {
	p.client.Close()
}

// Consumer reads the topic as a member of a consumer group.
type Consumer struct {
	client  *kgo.Client
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

// NewConsumer joins the consumer group. Auto-commit is off: offsets move only
// after a batch is settled.
func NewConsumer(cfg Config, opts ...Option) (*Consumer, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.Group == "" {
		return nil, errors.New("kafka brokers, topic and group are required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(time.Second),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	c := &Consumer{client: client, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run polls until ctx is cancelled or the client is closed.
func (c *Consumer) Run(ctx context.Context, handle queue.BatchHandler) error {
	for {
		fetches := c.client.PollRecords(ctx, c.cfg.MaxBatch)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			c.client.AllowRebalance()
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.ErrorContext(ctx, "kafka fetch error",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})

		records := fetches.Records()
		if len(records) == 0 {
			c.client.AllowRebalance()
			continue
		}
		if err := c.settle(ctx, records, handle); err != nil {
			c.client.AllowRebalance()
			if ctx.Err() != nil {
				// Uncommitted records are redelivered to the next group member.
				return nil
			}
			return err
		}
		c.client.AllowRebalance()
	}
}

func (c *Consumer) settle(ctx context.Context, records []*kgo.Record, handle queue.BatchHandler) error {
	batch := make([]queue.Message, len(records))
	for i, r := range records {
		batch[i] = queue.Message{ID: MessageID(r), Body: r.Value, Attempt: Attempt(r)}
	}
	failed := handle(ctx, batch)

	retry, dead := route(records, failed, c.cfg)
	if len(retry)+len(dead) > 0 {
		// Requeue before committing: a crash in between redelivers the whole
		// batch, which the store's primary key absorbs.
		if err := c.client.ProduceSync(ctx, append(retry, dead...)...).FirstErr(); err != nil {
			return fmt.Errorf("requeue failed audit messages: %w", err)
		}
		for range retry {
			c.metrics.IncrementRequeued(transportName, "retry")
		}
		for _, r := range dead {
			c.metrics.IncrementRequeued(transportName, "dead_letter")
			c.logger.ErrorContext(ctx, "audit message dead-lettered",
				"topic", c.cfg.DeadLetter,
				"attempt", Attempt(r)-1,
			)
		}
	}

	if err := c.client.CommitRecords(ctx, records...); err != nil {
		return fmt.Errorf("commit audit offsets: %w", err)
	}
	return nil
}

func (c *Consumer) Close() {
	c.client.Close()
}

// route builds the records to produce for the failed ids: a retry on the
// source topic, or a dead letter once MaxDeliveries is reached.
func route(records []*kgo.Record, failed []string, cfg Config) (retry, dead []*kgo.Record) {
	if len(failed) == 0 {
		return nil, nil
	}
	failedSet := make(map[string]struct{}, len(failed))
	for _, id := range failed {
		failedSet[id] = struct{}{}
	}
	for _, r := range records {
		if _, ok := failedSet[MessageID(r)]; !ok {
			continue
		}
		attempt := Attempt(r)
		out := &kgo.Record{
			Key:     r.Key,
			Value:   r.Value,
			Headers: []kgo.RecordHeader{attemptHeader(attempt + 1)},
		}
		if attempt >= cfg.MaxDeliveries {
			out.Topic = cfg.DeadLetter
			out.Headers = append(out.Headers, kgo.RecordHeader{
				Key:   ErrorHeader,
				Value: []byte("max deliveries reached"),
			})
			dead = append(dead, out)
			continue
		}
		out.Topic = cfg.Topic
		retry = append(retry, out)
	}
	return retry, dead
}

// MessageID identifies a record by topic, partition and offset.
func MessageID(r *kgo.Record) string {
	return fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset)
}

// Attempt reads the delivery count header; records without one are first deliveries.
func Attempt(r *kgo.Record) int {
	for _, h := range r.Headers {
		if h.Key != AttemptHeader {
			continue
		}
		n, err := strconv.Atoi(string(h.Value))
		if err != nil || n < 1 {
			return 1
		}
		return n
	}
	return 1
}

func attemptHeader(n int) kgo.RecordHeader {
	return kgo.RecordHeader{Key: AttemptHeader, Value: []byte(strconv.Itoa(n))}
}

// EnsureTopics creates the audit and dead-letter topics when missing.
func EnsureTopics(ctx context.Context, cfg Config, partitions int32, replication int16) error {
	cfg = cfg.withDefaults()
	client, err := kgo.NewClient(kgo.SeedBrokers(cfg.Brokers...))
	if err != nil {
		return fmt.Errorf("create kafka admin client: %w", err)
	}
	defer client.Close()

	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopics(ctx, partitions, replication, nil, cfg.Topic, cfg.DeadLetter)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for topic, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", topic, r.Err)
		}
	}
	return nil
}
