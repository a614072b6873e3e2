package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, cfg.Server.JWTSigningKey, cfg.Server.CursorKey)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "", cfg.Queue.Transport)
	assert.Equal(t, 10*time.Second, cfg.Query.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.Query.CursorTTL)
	assert.Equal(t, 2555*24*time.Hour, cfg.Publisher.Retention)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("STORE_DSN", "postgres://localhost/audit")
	t.Setenv("QUEUE_TRANSPORT", "kafka")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,,")
	t.Setenv("QUERY_TIMEOUT", "3s")
	t.Setenv("WRITER_CONCURRENCY", "16")
	t.Setenv("CURSOR_SIGNING_KEY", "cursor")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 3*time.Second, cfg.Query.Timeout)
	assert.Equal(t, 16, cfg.Writer.Concurrency)
	assert.Equal(t, "cursor", cfg.Server.CursorKey)
}

func TestFromEnv_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LOG_LEVEL=debug\nAUDIT_ADDR=:9999\n"), 0o600))
	t.Setenv("AUDIT_ADDR", ":7000")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":7000", cfg.Server.Addr, "real environment wins over .env")
	t.Cleanup(func() { os.Unsetenv("LOG_LEVEL") })
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"bad duration":          {"QUERY_TIMEOUT": "soon"},
		"bad int":               {"WRITER_CONCURRENCY": "many"},
		"unknown driver":        {"STORE_DRIVER": "dynamo"},
		"sql without dsn":       {"STORE_DRIVER": "sqlite"},
		"kafka without brokers": {"QUEUE_TRANSPORT": "kafka"},
		"redis without url":     {"QUEUE_TRANSPORT": "redis"},
		"unknown transport":     {"QUEUE_TRANSPORT": "sqs"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}
