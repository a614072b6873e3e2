package cli

import (
	"context"
	"errors"
	"fmt"

	"audittrail/internal/auditlog/store"
	"audittrail/internal/auditlog/store/memory"
	"audittrail/internal/auditlog/store/sqlstore"
	"audittrail/internal/platform/config"
	"audittrail/internal/platform/metrics"
	"audittrail/internal/platform/redis"
	"audittrail/internal/queue"
	"audittrail/internal/queue/kafka"
	"audittrail/internal/queue/redisstream"
)

var errNoTransport = errors.New("no queue transport configured: set QUEUE_TRANSPORT to kafka or redis")

// backend is the configured log store. sql is set for the database drivers.
type backend struct {
	store.LogStore
	sql *sqlstore.Store
}

func (b *backend) Close() error {
	if b.sql != nil {
		return b.sql.Close()
	}
	return nil
}

// openStore opens the configured store. SQL schemas are created on open;
// the statements are idempotent.
func openStore(ctx context.Context, cfg config.Store) (*backend, error) {
	if cfg.Driver == "memory" {
		return &backend{LogStore: memory.NewInMemoryStore()}, nil
	}
	dialect, err := sqlstore.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	s, err := sqlstore.Open(ctx, dialect, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return &backend{LogStore: s, sql: s}, nil
}

func kafkaConfig(cfg config.Config) kafka.Config {
	return kafka.Config{
		Brokers:       cfg.Kafka.Brokers,
		Topic:         cfg.Kafka.Topic,
		DeadLetter:    cfg.Kafka.DeadLetter,
		Group:         cfg.Kafka.Group,
		MaxBatch:      cfg.Queue.MaxBatch,
		MaxDeliveries: cfg.Queue.MaxDeliveries,
	}
}

func streamConfig(cfg config.Config) redisstream.Config {
	return redisstream.Config{
		Stream:        cfg.Redis.Stream,
		DeadLetter:    cfg.Redis.DeadLetter,
		Group:         cfg.Redis.Group,
		Consumer:      cfg.Redis.Consumer,
		MaxBatch:      cfg.Queue.MaxBatch,
		MinIdle:       cfg.Redis.MinIdle,
		MaxDeliveries: cfg.Queue.MaxDeliveries,
	}
}

// newProducer connects the configured transport's producer. The returned
// close func is never nil.
func newProducer(ctx context.Context, cfg config.Config) (queue.Producer, func(), error) {
	switch cfg.Queue.Transport {
	case "kafka":
		p, err := kafka.NewProducer(kafkaConfig(cfg))
		if err != nil {
			return nil, func() {}, err
		}
		return p, p.Close, nil
	case "redis":
		client, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, func() {}, err
		}
		return redisstream.NewProducer(client, streamConfig(cfg)), func() { _ = client.Close() }, nil
	}
	return nil, func() {}, errNoTransport
}

// newConsumer connects the configured transport's consumer.
func newConsumer(ctx context.Context, a *app, m *metrics.Metrics) (queue.Consumer, func(), error) {
	switch a.cfg.Queue.Transport {
	case "kafka":
		c, err := kafka.NewConsumer(kafkaConfig(a.cfg), kafka.WithLogger(a.logger), kafka.WithMetrics(m))
		if err != nil {
			return nil, func() {}, err
		}
		return c, c.Close, nil
	case "redis":
		client, err := redis.New(ctx, a.cfg.Redis)
		if err != nil {
			return nil, func() {}, err
		}
		c := redisstream.NewConsumer(client, streamConfig(a.cfg),
			redisstream.WithLogger(a.logger), redisstream.WithMetrics(m))
		return c, func() { _ = client.Close() }, nil
	}
	return nil, func() {}, errNoTransport
}

// ensureTransport creates topics or the consumer group for the configured transport.
func ensureTransport(ctx context.Context, cfg config.Config) (string, error) {
	switch cfg.Queue.Transport {
	case "kafka":
		if err := kafka.EnsureTopics(ctx, kafkaConfig(cfg), cfg.Kafka.Partitions, cfg.Kafka.Replication); err != nil {
			return "", err
		}
		return fmt.Sprintf("kafka topics ready for %s", cfg.Kafka.Topic), nil
	case "redis":
		client, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return "", err
		}
		defer client.Close()
		if err := redisstream.NewConsumer(client, streamConfig(cfg)).EnsureGroup(ctx); err != nil {
			return "", err
		}
		return fmt.Sprintf("redis consumer group %s ready on %s", cfg.Redis.Group, cfg.Redis.Stream), nil
	}
	return "", nil
}
