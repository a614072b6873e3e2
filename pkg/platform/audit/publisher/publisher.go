package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"audittrail/internal/platform/metrics"
	"audittrail/internal/queue"
	audit "audittrail/pkg/platform/audit"
	"audittrail/pkg/platform/circuit"
	"audittrail/pkg/requestcontext"
)

const (
	// DefaultRetention keeps entries for seven years.
	DefaultRetention   = 2555 * 24 * time.Hour
	DefaultSendTimeout = 2 * time.Second
)

// Publisher builds audit entries for upstream services and enqueues them.
// Recording is fire-and-forget: every failure is logged and counted, and the
// call returns so the audited business operation is never aborted.
type Publisher struct {
	producer    queue.Producer
	source      string
	retention   time.Duration
	sendTimeout time.Duration
	breaker     *circuit.Breaker
	logger      *slog.Logger
	metrics     *metrics.Metrics
	newID       func() string
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

func WithRetention(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.retention = d
		}
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.sendTimeout = d
		}
	}
}

// WithBreaker replaces the default breaker guarding the producer.
func WithBreaker(b *circuit.Breaker) Option {
	return func(p *Publisher) {
		if b != nil {
			p.breaker = b
		}
	}
}

func withIDGenerator(gen func() string) Option {
	return func(p *Publisher) {
		p.newID = gen
	}
}

// New returns a publisher emitting entries labelled with source. A nil
// producer disables auditing: calls are logged and dropped.
func New(producer queue.Producer, source string, opts ...Option) *Publisher {
	p := &Publisher{
		producer:    producer,
		source:      source,
		retention:   DefaultRetention,
		sendTimeout: DefaultSendTimeout,
		logger:      slog.Default(),
		newID:       func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.breaker == nil {
		p.breaker = circuit.New("audit-producer")
	}
	if producer == nil {
		p.logger.Warn("audit publisher disabled: no queue configured", "source_service", source)
	}
	return p
}

func (p *Publisher) RecordCreate(ctx context.Context, clientID, agentID, afterValue string) {
	p.record(ctx, clientID, agentID, audit.Created{AfterValue: afterValue})
}

func (p *Publisher) RecordRead(ctx context.Context, clientID, agentID string) {
	p.record(ctx, clientID, agentID, audit.Read{})
}

func (p *Publisher) RecordUpdate(ctx context.Context, clientID, agentID, attributeName, beforeValue, afterValue string) {
	p.record(ctx, clientID, agentID, audit.Updated{
		AttributeName: attributeName,
		BeforeValue:   beforeValue,
		AfterValue:    afterValue,
	})
}

func (p *Publisher) RecordDelete(ctx context.Context, clientID, agentID, beforeValue string) {
	p.record(ctx, clientID, agentID, audit.Deleted{BeforeValue: beforeValue})
}

func (p *Publisher) record(ctx context.Context, clientID, agentID string, change audit.Change) {
	op := string(change.Operation())
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "audit publish panicked",
				"crud_operation", op,
				"panic", fmt.Sprint(r),
			)
			p.metrics.IncrementPublisherOutcome(op, metrics.OutcomeFailed)
		}
	}()

	if p.producer == nil {
		p.logger.DebugContext(ctx, "audit publisher disabled, dropping entry", "crud_operation", op)
		p.metrics.IncrementPublisherOutcome(op, metrics.OutcomeDisabled)
		return
	}

	now := requestcontext.Now(ctx).UTC()
	entry := audit.Entry{
		LogID:         p.newID(),
		Timestamp:     now,
		ClientID:      strings.TrimSpace(clientID),
		AgentID:       strings.TrimSpace(agentID),
		SourceService: p.source,
		TTL:           now.Add(p.retention).Unix(),
		CorrelationID: requestcontext.RequestID(ctx),
		Change:        change,
	}
	if err := entry.Validate(); err != nil {
		p.logger.ErrorContext(ctx, "invalid audit entry, not enqueued",
			"crud_operation", op,
			"client_id", entry.ClientID,
			"error", err,
		)
		p.metrics.IncrementPublisherOutcome(op, metrics.OutcomeRejected)
		return
	}

	if !p.breaker.Allow() {
		p.logger.WarnContext(ctx, "audit queue circuit open, dropping entry",
			"log_id", entry.LogID,
			"crud_operation", op,
		)
		p.metrics.IncrementPublisherOutcome(op, metrics.OutcomeTripped)
		return
	}

	body, err := json.Marshal(entry.ToRecord())
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to encode audit entry", "log_id", entry.LogID, "error", err)
		p.metrics.IncrementPublisherOutcome(op, metrics.OutcomeFailed)
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.sendTimeout)
	defer cancel()
	if err := p.producer.Send(sendCtx, entry.ClientID, body); err != nil {
		_, change := p.breaker.RecordFailure()
		if change.Opened {
			p.metrics.SetBreakerOpen(true)
			p.logger.ErrorContext(ctx, "audit queue circuit opened", "breaker", p.breaker.Name())
		}
		p.logger.ErrorContext(ctx, "failed to enqueue audit entry",
			"log_id", entry.LogID,
			"crud_operation", op,
			"error", err,
		)
		p.metrics.IncrementPublisherOutcome(op, metrics.OutcomeFailed)
		return
	}
	if _, change := p.breaker.RecordSuccess(); change.Closed {
		p.metrics.SetBreakerOpen(false)
		p.logger.InfoContext(ctx, "audit queue circuit closed", "breaker", p.breaker.Name())
	}
	p.metrics.IncrementPublisherOutcome(op, metrics.OutcomeEnqueued)
}
