package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func record(offset int64, attempt string) *kgo.Record {
	r := &kgo.Record{Topic: "audit", Partition: 2, Offset: offset, Key: []byte("client-1"), Value: []byte("{}")}
	if attempt != "" {
		r.Headers = []kgo.RecordHeader{{Key: "other", Value: []byte("x")}, {Key: AttemptHeader, Value: []byte(attempt)}}
	}
	return r
}

func TestMessageID(t *testing.T) {
	assert.Equal(t, "audit/2/17", MessageID(record(17, "")))
}

func TestAttempt(t *testing.T) {
	tests := []struct {
		header string
		want   int
	}{
		{"", 1},
		{"1", 1},
		{"4", 4},
		{"0", 1},
		{"-2", 1},
		{"junk", 1},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.want, Attempt(record(1, tt.header)))
		})
	}
}

func TestRoute(t *testing.T) {
	cfg := Config{Topic: "audit", MaxDeliveries: 3}.withDefaults()
	records := []*kgo.Record{
		record(1, ""),
		record(2, "2"),
		record(3, "3"),
		record(4, ""),
	}

	retry, dead := route(records, []string{"audit/2/1", "audit/2/2", "audit/2/3"}, cfg)

	require.Len(t, retry, 2)
	assert.Equal(t, "audit", retry[0].Topic)
	assert.Equal(t, 2, Attempt(retry[0]))
	assert.Equal(t, 3, Attempt(retry[1]))
	assert.Equal(t, []byte("client-1"), retry[0].Key)

	require.Len(t, dead, 1)
	assert.Equal(t, "audit.dlq", dead[0].Topic)
	assert.Equal(t, 4, Attempt(dead[0]))
	assert.Equal(t, []byte("{}"), dead[0].Value)
}

func TestRoute_NothingFailed(t *testing.T) {
	retry, dead := route([]*kgo.Record{record(1, "")}, nil, Config{Topic: "audit"}.withDefaults())
	assert.Empty(t, retry)
	assert.Empty(t, dead)
}

func TestRoute_UnknownIDsAreIgnored(t *testing.T) {
	retry, dead := route([]*kgo.Record{record(1, "")}, []string{"audit/9/9"}, Config{Topic: "audit"}.withDefaults())
	assert.Empty(t, retry)
	assert.Empty(t, dead)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Topic: "audit"}.withDefaults()
	assert.Equal(t, 100, cfg.MaxBatch)
	assert.Equal(t, 5, cfg.MaxDeliveries)
	assert.Equal(t, "audit.dlq", cfg.DeadLetter)

	cfg = Config{Topic: "audit", DeadLetter: "graveyard", MaxDeliveries: 2}.withDefaults()
	assert.Equal(t, "graveyard", cfg.DeadLetter)
	assert.Equal(t, 2, cfg.MaxDeliveries)
}

func TestConstructorsValidateConfig(t *testing.T) {
	_, err := NewProducer(Config{})
	assert.Error(t, err)
	_, err = NewConsumer(Config{Brokers: []string{"localhost:9092"}, Topic: "audit"})
	assert.Error(t, err)
}
