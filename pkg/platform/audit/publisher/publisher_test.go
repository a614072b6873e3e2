package publisher

//go:generate mockgen -source=../../../../internal/queue/queue.go -destination=../../../../internal/queue/mocks/mocks.go -package=mocks Producer,Consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"audittrail/internal/queue/mocks"
	audit "audittrail/pkg/platform/audit"
	"audittrail/pkg/platform/circuit"
	"audittrail/pkg/requestcontext"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestPublisher(t *testing.T, opts ...Option) (*Publisher, *mocks.MockProducer) {
	t.Helper()
	ctrl := gomock.NewController(t)
	producer := mocks.NewMockProducer(ctrl)
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		withIDGenerator(func() string { return "log-1" }),
	}
	return New(producer, "client-service", append(base, opts...)...), producer
}

func testContext() context.Context {
	ctx := requestcontext.WithTime(context.Background(), fixedNow)
	return requestcontext.WithRequestID(ctx, "req-123")
}

// captureSend records the body of the next Send.
func captureSend(producer *mocks.MockProducer, key string) *audit.Record {
	var rec audit.Record
	producer.EXPECT().
		Send(gomock.Any(), key, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, body []byte) error {
			return json.Unmarshal(body, &rec)
		})
	return &rec
}

func TestPublisher_RecordUpdate(t *testing.T) {
	pub, producer := newTestPublisher(t)
	rec := captureSend(producer, "client-1")

	pub.RecordUpdate(testContext(), " client-1 ", "agent-1\n", "Address", "old street", "new street")

	require.NotNil(t, rec.AttributeName)
	assert.Equal(t, "log-1", rec.LogID)
	assert.Equal(t, "2025-03-01T12:00:00Z", rec.Timestamp)
	assert.Equal(t, "client-1", rec.ClientID)
	assert.Equal(t, "agent-1", rec.AgentID)
	assert.Equal(t, "UPDATE", rec.CrudOperation)
	assert.Equal(t, "client-service", rec.SourceService)
	assert.Equal(t, fixedNow.Add(DefaultRetention).Unix(), rec.TTL)
	assert.Equal(t, "Address", *rec.AttributeName)
	assert.Equal(t, "old street", *rec.BeforeValue)
	assert.Equal(t, "new street", *rec.AfterValue)
	assert.Equal(t, "req-123", rec.CorrelationID)
}

func TestPublisher_EmittedEntryPassesTheWriterValidator(t *testing.T) {
	pub, producer := newTestPublisher(t)
	var body []byte
	producer.EXPECT().Send(gomock.Any(), "client-1", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, b []byte) error {
			body = b
			return nil
		})

	pub.RecordCreate(testContext(), "client-1", "agent-1", `{"name":"Ada"}`)

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var fields map[string]any
	require.NoError(t, dec.Decode(&fields))
	entry, err := audit.ValidateRecord(fields)
	require.NoError(t, err)
	assert.Equal(t, audit.Created{AfterValue: `{"name":"Ada"}`}, entry.Change)
}

func TestPublisher_ReadAndDeleteShapes(t *testing.T) {
	pub, producer := newTestPublisher(t)

	read := captureSend(producer, "client-1")
	pub.RecordRead(testContext(), "client-1", "agent-1")
	assert.Equal(t, "READ", read.CrudOperation)
	assert.Nil(t, read.AttributeName)
	assert.Nil(t, read.BeforeValue)
	assert.Nil(t, read.AfterValue)

	del := captureSend(producer, "client-1")
	pub.RecordDelete(testContext(), "client-1", "agent-1", "snapshot")
	assert.Equal(t, "DELETE", del.CrudOperation)
	require.NotNil(t, del.BeforeValue)
	assert.Equal(t, "snapshot", *del.BeforeValue)
	assert.Nil(t, del.AfterValue)
}

func TestPublisher_InvalidEntriesAreNotEnqueued(t *testing.T) {
	tests := []struct {
		name   string
		record func(p *Publisher, ctx context.Context)
	}{
		{"delete without before value", func(p *Publisher, ctx context.Context) {
			p.RecordDelete(ctx, "client-1", "agent-1", "")
		}},
		{"create without after value", func(p *Publisher, ctx context.Context) {
			p.RecordCreate(ctx, "client-1", "agent-1", "")
		}},
		{"update without attribute", func(p *Publisher, ctx context.Context) {
			p.RecordUpdate(ctx, "client-1", "agent-1", "", "a", "b")
		}},
		{"update without before value", func(p *Publisher, ctx context.Context) {
			p.RecordUpdate(ctx, "client-1", "agent-1", "Address", "", "b")
		}},
		{"blank client id", func(p *Publisher, ctx context.Context) {
			p.RecordRead(ctx, "   ", "agent-1")
		}},
		{"missing agent id", func(p *Publisher, ctx context.Context) {
			p.RecordRead(ctx, "client-1", "")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, producer := newTestPublisher(t)
			producer.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

			assert.NotPanics(t, func() { tt.record(pub, testContext()) })
		})
	}
}

func TestPublisher_MissingSourceIsRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	producer := mocks.NewMockProducer(ctrl)
	producer.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	pub := New(producer, "", WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	pub.RecordRead(testContext(), "client-1", "agent-1")
}

func TestPublisher_TransportFailureIsSwallowed(t *testing.T) {
	pub, producer := newTestPublisher(t)
	producer.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("broker unavailable"))

	assert.NotPanics(t, func() {
		pub.RecordRead(testContext(), "client-1", "agent-1")
	})
}

func TestPublisher_ProducerPanicIsRecovered(t *testing.T) {
	pub, producer := newTestPublisher(t)
	producer.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, []byte) error { panic("boom") })

	assert.NotPanics(t, func() {
		pub.RecordRead(testContext(), "client-1", "agent-1")
	})
}

func TestPublisher_SendUsesTimeoutEvenWhenCallerIsCancelled(t *testing.T) {
	pub, producer := newTestPublisher(t, WithSendTimeout(time.Second))
	producer.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ string, _ []byte) error {
			deadline, ok := ctx.Deadline()
			assert.True(t, ok)
			assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 500*time.Millisecond)
			assert.NoError(t, ctx.Err())
			return nil
		})

	ctx, cancel := context.WithCancel(testContext())
	cancel()
	pub.RecordRead(ctx, "client-1", "agent-1")
}

func TestPublisher_NilProducerDisablesAuditing(t *testing.T) {
	pub := New(nil, "client-service", WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	assert.NotPanics(t, func() {
		pub.RecordCreate(testContext(), "client-1", "agent-1", "v")
		pub.RecordDelete(testContext(), "client-1", "agent-1", "")
	})
}

func TestPublisher_OpenBreakerSkipsProducer(t *testing.T) {
	now := fixedNow
	breaker := circuit.New("test",
		circuit.WithFailureThreshold(2),
		circuit.WithCooldown(time.Minute),
		circuit.WithClock(func() time.Time { return now }),
	)
	pub, producer := newTestPublisher(t, WithBreaker(breaker))

	producer.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("down")).Times(2)
	pub.RecordRead(testContext(), "client-1", "agent-1")
	pub.RecordRead(testContext(), "client-1", "agent-1")
	require.True(t, breaker.IsOpen())

	// Open: dropped without touching the producer.
	pub.RecordRead(testContext(), "client-1", "agent-1")

	// After the cooldown one probe goes through and closes the breaker.
	now = now.Add(time.Minute)
	producer.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	pub.RecordRead(testContext(), "client-1", "agent-1")
	assert.False(t, breaker.IsOpen())
}

func TestPublisher_DefaultIDsAreUnique(t *testing.T) {
	ctrl := gomock.NewController(t)
	producer := mocks.NewMockProducer(ctrl)
	pub := New(producer, "client-service", WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	seen := map[string]bool{}
	producer.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, body []byte) error {
			var rec audit.Record
			require.NoError(t, json.Unmarshal(body, &rec))
			assert.False(t, seen[rec.LogID])
			seen[rec.LogID] = true
			return nil
		}).Times(5)

	for range 5 {
		pub.RecordRead(testContext(), "client-1", "agent-1")
	}
	assert.Len(t, seen, 5)
}
