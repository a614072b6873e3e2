package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"audittrail/internal/platform/metrics"
	"audittrail/internal/queue"
	audit "audittrail/pkg/platform/audit"
	"audittrail/pkg/platform/sentinel"
	"audittrail/pkg/requestcontext"
)

// Store persists validated entries.
type Store interface {
	Put(ctx context.Context, entry audit.Entry) error
}

// DefaultConcurrency bounds in-flight store writes per batch.
const DefaultConcurrency = 8

// Writer validates queued audit messages and writes them to the log store.
// Malformed messages are dropped: redelivering them cannot help. Only store
// failures that may succeed later are reported for redelivery.
type Writer struct {
	store       Store
	logger      *slog.Logger
	metrics     *metrics.Metrics
	concurrency int
}

type Option func(*Writer)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Writer) {
		w.metrics = m
	}
}

// WithConcurrency bounds parallel writes within one batch.
func WithConcurrency(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

func NewWriter(store Store, opts ...Option) *Writer {
	w := &Writer{
		store:       store,
		logger:      slog.Default(),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type outcome int

const (
	stored outcome = iota
	dropped
	failed
)

// ProcessBatch handles every message independently and returns the ids of
// the messages to redeliver, in input order. It never fails as a whole.
func (w *Writer) ProcessBatch(ctx context.Context, batch []queue.Message) []string {
	if len(batch) == 0 {
		return []string{}
	}
	w.metrics.ObserveBatch(len(batch))
	ctx = requestcontext.WithTime(ctx, requestcontext.Now(ctx))

	results := make([]outcome, len(batch))
	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for i, msg := range batch {
		g.Go(func() error {
			results[i] = w.process(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()

	failedIDs := make([]string, 0)
	for i, r := range results {
		if r == failed {
			failedIDs = append(failedIDs, batch[i].ID)
		}
	}
	if len(failedIDs) > 0 {
		w.logger.WarnContext(ctx, "audit batch has failed messages",
			"batch_size", len(batch),
			"failed", len(failedIDs),
		)
	}
	return failedIDs
}

func (w *Writer) process(ctx context.Context, msg queue.Message) outcome {
	entry, err := decode(msg.Body)
	if err != nil {
		w.logger.ErrorContext(ctx, "dropping invalid audit message",
			"message_id", msg.ID,
			"error", err,
		)
		w.metrics.IncrementWriterOutcome(metrics.OutcomeDropped)
		return dropped
	}

	if err := w.store.Put(ctx, entry); err != nil {
		if errors.Is(err, sentinel.ErrRejected) {
			w.logger.ErrorContext(ctx, "dropping audit entry rejected by store",
				"message_id", msg.ID,
				"log_id", entry.LogID,
				"error", err,
			)
			w.metrics.IncrementWriterOutcome(metrics.OutcomeRejected)
			return dropped
		}
		level := slog.LevelError
		if errors.Is(err, sentinel.ErrUnavailable) {
			level = slog.LevelWarn
		}
		w.logger.Log(ctx, level, "failed to store audit entry, requesting redelivery",
			"message_id", msg.ID,
			"log_id", entry.LogID,
			"attempt", msg.Attempt,
			"error", err,
		)
		w.metrics.IncrementWriterOutcome(metrics.OutcomeFailed)
		return failed
	}

	w.logger.DebugContext(ctx, "stored audit entry",
		"message_id", msg.ID,
		"log_id", entry.LogID,
		"client_id", entry.ClientID,
		"crud_operation", entry.Operation(),
	)
	w.metrics.IncrementWriterOutcome(metrics.OutcomeStored)
	return stored
}

// decode parses a message body into a validated entry. Numbers are kept as
// json.Number so an integral ttl survives without float rounding.
func decode(body []byte) (audit.Entry, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return audit.Entry{}, err
	}
	if fields == nil {
		return audit.Entry{}, errors.New("message body is not a JSON object")
	}
	return audit.ValidateRecord(fields)
}
