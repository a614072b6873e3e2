package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	platformstrings "audittrail/pkg/platform/strings"
)

// Config is the full process configuration, read from the environment.
type Config struct {
	Server    Server
	Store     Store
	Queue     Queue
	Kafka     Kafka
	Redis     RedisConfig
	Query     Query
	Writer    Writer
	Publisher Publisher
	Log       Log
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	JWTSigningKey   string
	JWTIssuer       string
	JWTAudience     string
	CursorKey       string
	ShutdownTimeout time.Duration
}

// Store selects the log store backend.
type Store struct {
	// Driver is memory, postgres or sqlite.
	Driver string
	DSN    string
	// CleanupInterval paces the expired-row purge of SQL backends; zero disables it.
	CleanupInterval time.Duration
}

// Queue selects the transport between publishers and the writer.
type Queue struct {
	// Transport is kafka, redis, or empty for none.
	Transport     string
	MaxBatch      int
	MaxDeliveries int
}

type Kafka struct {
	Brokers     []string
	Topic       string
	DeadLetter  string
	Group       string
	Partitions  int32
	Replication int16
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Stream       string
	DeadLetter   string
	Group        string
	Consumer     string
	MinIdle      time.Duration
}

// Query bounds the read path.
type Query struct {
	Timeout         time.Duration
	CursorTTL       time.Duration
	MaxRoundTrips   int
	OverfetchFactor int
}

type Writer struct {
	Concurrency int
}

type Publisher struct {
	Source           string
	Retention        time.Duration
	SendTimeout      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type Log struct {
	Level  string
	Format string
}

const devSigningKey = "dev-secret-key-change-in-production"

// FromEnv builds the configuration from environment variables, after
// loading a .env file from the working directory when one exists.
func FromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	r := &reader{}

	cfg := Config{
		Server: Server{
			Addr:            r.str("AUDIT_ADDR", ":8080"),
			JWTSigningKey:   r.str("JWT_SIGNING_KEY", devSigningKey),
			JWTIssuer:       r.str("JWT_ISSUER", ""),
			JWTAudience:     r.str("JWT_AUDIENCE", ""),
			CursorKey:       r.str("CURSOR_SIGNING_KEY", ""),
			ShutdownTimeout: r.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Store: Store{
			Driver:          strings.ToLower(r.str("STORE_DRIVER", "memory")),
			DSN:             r.str("STORE_DSN", ""),
			CleanupInterval: r.duration("STORE_CLEANUP_INTERVAL", time.Hour),
		},
		Queue: Queue{
			Transport:     strings.ToLower(r.str("QUEUE_TRANSPORT", "")),
			MaxBatch:      r.integer("QUEUE_MAX_BATCH", 100),
			MaxDeliveries: r.integer("QUEUE_MAX_DELIVERIES", 5),
		},
		Kafka: Kafka{
			Brokers:     r.list("KAFKA_BROKERS"),
			Topic:       r.str("KAFKA_TOPIC", "audit-entries"),
			DeadLetter:  r.str("KAFKA_DEAD_LETTER_TOPIC", ""),
			Group:       r.str("KAFKA_GROUP", "audit-writer"),
			Partitions:  int32(r.integer("KAFKA_PARTITIONS", 6)),
			Replication: int16(r.integer("KAFKA_REPLICATION", 1)),
		},
		Redis: RedisConfig{
			URL:          r.str("REDIS_URL", ""),
			PoolSize:     r.integer("REDIS_POOL_SIZE", 10),
			MinIdleConns: r.integer("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  r.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  r.duration("REDIS_READ_TIMEOUT", 5*time.Second),
			WriteTimeout: r.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			Stream:       r.str("REDIS_STREAM", "audit:entries"),
			DeadLetter:   r.str("REDIS_DEAD_LETTER_STREAM", ""),
			Group:        r.str("REDIS_GROUP", "audit-writer"),
			Consumer:     r.str("REDIS_CONSUMER", hostname()),
			MinIdle:      r.duration("REDIS_MIN_IDLE", 30*time.Second),
		},
		Query: Query{
			Timeout:         r.duration("QUERY_TIMEOUT", 10*time.Second),
			CursorTTL:       r.duration("CURSOR_TTL", 24*time.Hour),
			MaxRoundTrips:   r.integer("QUERY_MAX_ROUND_TRIPS", 50),
			OverfetchFactor: r.integer("QUERY_OVERFETCH_FACTOR", 2),
		},
		Writer: Writer{
			Concurrency: r.integer("WRITER_CONCURRENCY", 8),
		},
		Publisher: Publisher{
			Source:           r.str("AUDIT_SOURCE_SERVICE", "audittrail-cli"),
			Retention:        r.duration("AUDIT_RETENTION", 2555*24*time.Hour),
			SendTimeout:      r.duration("AUDIT_SEND_TIMEOUT", 2*time.Second),
			BreakerThreshold: r.integer("AUDIT_BREAKER_THRESHOLD", 5),
			BreakerCooldown:  r.duration("AUDIT_BREAKER_COOLDOWN", 30*time.Second),
		},
		Log: Log{
			Level:  strings.ToLower(r.str("LOG_LEVEL", "info")),
			Format: strings.ToLower(r.str("LOG_FORMAT", "json")),
		},
	}
	if r.err != nil {
		return Config{}, r.err
	}
	if cfg.Server.CursorKey == "" {
		cfg.Server.CursorKey = cfg.Server.JWTSigningKey
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("STORE_DSN is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}
	switch c.Queue.Transport {
	case "":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka transport"))
		}
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_TRANSPORT %q", c.Queue.Transport))
	}
	return errors.Join(errs...)
}

// reader collects the first parse error so FromEnv stays linear.
type reader struct {
	err error
}

func (r *reader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(key, raw, err)
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.fail(key, raw, err)
		return def
	}
	return d
}

func (r *reader) list(key string) []string {
	return platformstrings.SplitList(r.str(key, ""))
}

func (r *reader) fail(key, raw string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s=%q: %w", key, raw, err)
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "writer-1"
	}
	return name
}
