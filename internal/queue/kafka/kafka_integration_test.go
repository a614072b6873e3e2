//go:build integration

package kafka

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"audittrail/internal/queue"
	"audittrail/pkg/testutil/containers"
)

type KafkaSuite struct {
	suite.Suite
	kafka *containers.KafkaContainer
	cfg   Config
}

func TestKafkaSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaSuite))
}

func (s *KafkaSuite) SetupSuite() {
	s.kafka = containers.GetManager().GetKafka(s.T())
}

func (s *KafkaSuite) SetupTest() {
	name := "audit-" + uuid.NewString()
	s.cfg = Config{
		Brokers:       s.kafka.Brokers,
		Topic:         name,
		Group:         name + "-writer",
		MaxDeliveries: 2,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.Require().NoError(EnsureTopics(ctx, s.cfg, 1, 1))
	// Idempotent.
	s.Require().NoError(EnsureTopics(ctx, s.cfg, 1, 1))
}

// collector records every delivery and fails the ids listed in failOn.
type collector struct {
	mu     sync.Mutex
	seen   []queue.Message
	failOn func(queue.Message) bool
}

func (c *collector) handle(_ context.Context, batch []queue.Message) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	failed := []string{}
	for _, m := range batch {
		c.seen = append(c.seen, m)
		if c.failOn != nil && c.failOn(m) {
			failed = append(failed, m.ID)
		}
	}
	return failed
}

func (c *collector) count(body string) (n, maxAttempt int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.seen {
		if string(m.Body) == body {
			n++
			maxAttempt = max(maxAttempt, m.Attempt)
		}
	}
	return n, maxAttempt
}

func (s *KafkaSuite) run(c *collector) (cancel func()) {
	consumer, err := NewConsumer(s.cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx, c.handle) }()
	return func() {
		stop()
		s.NoError(<-done)
		consumer.Close()
	}
}

func (s *KafkaSuite) TestDeliversProducedMessages() {
	producer, err := NewProducer(s.cfg)
	s.Require().NoError(err)
	defer producer.Close()

	ctx := context.Background()
	for i := range 3 {
		s.Require().NoError(producer.Send(ctx, "client-1", fmt.Appendf(nil, `{"n":%d}`, i)))
	}

	c := &collector{}
	stop := s.run(c)
	defer stop()

	s.Eventually(func() bool {
		n0, _ := c.count(`{"n":0}`)
		n2, _ := c.count(`{"n":2}`)
		return n0 == 1 && n2 == 1
	}, 30*time.Second, 100*time.Millisecond)
}

func (s *KafkaSuite) TestFailedMessagesAreRetriedThenDeadLettered() {
	producer, err := NewProducer(s.cfg)
	s.Require().NoError(err)
	defer producer.Close()
	s.Require().NoError(producer.Send(context.Background(), "client-1", []byte(`"poison"`)))

	c := &collector{failOn: func(m queue.Message) bool { return string(m.Body) == `"poison"` }}
	stop := s.run(c)
	defer stop()

	s.Eventually(func() bool {
		n, attempt := c.count(`"poison"`)
		return n == 2 && attempt == 2
	}, 30*time.Second, 100*time.Millisecond)

	dlq := &collector{}
	dlqCfg := s.cfg
	dlqCfg.Topic = s.cfg.withDefaults().DeadLetter
	dlqCfg.Group = s.cfg.Group + "-dlq"
	dlqConsumer, err := NewConsumer(dlqCfg)
	s.Require().NoError(err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dlqConsumer.Run(ctx, dlq.handle) }()
	defer func() {
		cancel()
		<-done
		dlqConsumer.Close()
	}()

	s.Eventually(func() bool {
		n, attempt := dlq.count(`"poison"`)
		return n == 1 && attempt == 3
	}, 30*time.Second, 100*time.Millisecond)
}
