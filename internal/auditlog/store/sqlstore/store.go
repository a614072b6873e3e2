// Package sqlstore implements the log store on a relational database.
// PostgreSQL (lib/pq) is the production backend; SQLite (modernc) serves
// single-node deployments and tests.
//
// Timestamps are stored as unix nanoseconds so both dialects order them the
// same way. The (client_id, ts_nanos) primary key gives first-write-wins
// idempotence for redelivered messages.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"audittrail/internal/auditlog/store"
	audit "audittrail/pkg/platform/audit"
	"audittrail/pkg/requestcontext"
)

// Dialect selects driver name and placeholder syntax.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported store driver %q", name)
}

func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Store is a LogStore over database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open database handle.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dialect, err)
	}
	if dialect == SQLite {
		// modernc serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s store: %w", dialect, err)
	}
	return New(db, dialect), nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

const columns = `log_id, ts_nanos, client_id, agent_id, crud_operation, source_service, ttl,
	attribute_name, before_value, after_value, correlation_id`

func (s *Store) Put(ctx context.Context, entry audit.Entry) error {
	attributeName, beforeValue, afterValue := entry.ConditionalFields()
	b := s.builder()
	query := fmt.Sprintf(`
		INSERT INTO audit_logs (%s)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (client_id, ts_nanos) DO NOTHING`,
		columns,
		b.arg(entry.LogID),
		b.arg(entry.Timestamp.UTC().UnixNano()),
		b.arg(entry.ClientID),
		b.arg(entry.AgentID),
		b.arg(string(entry.Operation())),
		b.arg(entry.SourceService),
		b.arg(entry.TTL),
		b.arg(nullString(attributeName)),
		b.arg(nullString(beforeValue)),
		b.arg(nullString(afterValue)),
		b.arg(nullString(entry.CorrelationID)),
	)
	if _, err := s.db.ExecContext(ctx, query, b.args...); err != nil {
		return fmt.Errorf("insert audit entry %s: %w", entry.LogID, classify(err))
	}
	return nil
}

// Query applies Filter inside the SQL statement, before the row cap, so
// pages are never short while more matching rows exist.
func (s *Store) Query(ctx context.Context, q store.Query) (store.Page, error) {
	keyColumn, err := indexColumn(q.Index)
	if err != nil {
		return store.Page{}, err
	}

	b := s.builder()
	var where []string
	where = append(where, fmt.Sprintf("%s = %s", keyColumn, b.arg(q.Key)))
	where = append(where, fmt.Sprintf("ttl > %s", b.arg(requestcontext.Now(ctx).Unix())))
	if !q.Lower.IsZero() {
		where = append(where, fmt.Sprintf("ts_nanos >= %s", b.arg(q.Lower.UTC().UnixNano())))
	}
	if q.Start != nil {
		ts := q.Start.Timestamp.UTC().UnixNano()
		where = append(where, fmt.Sprintf("(ts_nanos < %s OR (ts_nanos = %s AND log_id < %s))",
			b.arg(ts), b.arg(ts), b.arg(q.Start.LogID)))
	}
	if q.Filter != "" {
		where = append(where, fmt.Sprintf("crud_operation = %s", b.arg(string(q.Filter))))
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_logs WHERE %s ORDER BY ts_nanos DESC, log_id DESC`,
		columns, strings.Join(where, " AND "))
	if q.Max > 0 {
		// One extra row tells whether the index continues past this page.
		query += " LIMIT " + b.arg(q.Max+1)
	}

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return store.Page{}, fmt.Errorf("query %s index: %w", q.Index, classify(err))
	}
	defer rows.Close()

	var page store.Page
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return store.Page{}, err
		}
		page.Entries = append(page.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return store.Page{}, fmt.Errorf("iterate %s index: %w", q.Index, err)
	}

	if q.Max > 0 && len(page.Entries) > q.Max {
		page.Entries = page.Entries[:q.Max]
		next := page.Entries[q.Max-1].Key()
		page.Next = &next
	}
	return page, nil
}

func (s *Store) Scan(ctx context.Context, fn func(audit.Entry) error) error {
	b := s.builder()
	query := fmt.Sprintf(`SELECT %s FROM audit_logs WHERE ttl > %s`,
		columns, b.arg(requestcontext.Now(ctx).Unix()))
	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return fmt.Errorf("scan audit logs: %w", classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan audit logs: %w", err)
	}
	return nil
}

func indexColumn(index store.Index) (string, error) {
	switch index {
	case store.ByClient:
		return "client_id", nil
	case store.ByAgent:
		return "agent_id", nil
	case store.ByOperation:
		return "crud_operation", nil
	}
	return "", fmt.Errorf("unknown index %d", index)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (audit.Entry, error) {
	var (
		e                            audit.Entry
		tsNanos                      int64
		op                           string
		attributeName, before, after sql.NullString
		correlationID                sql.NullString
	)
	if err := row.Scan(&e.LogID, &tsNanos, &e.ClientID, &e.AgentID, &op, &e.SourceService, &e.TTL,
		&attributeName, &before, &after, &correlationID); err != nil {
		return audit.Entry{}, fmt.Errorf("scan audit row: %w", err)
	}
	e.Timestamp = time.Unix(0, tsNanos).UTC()
	e.CorrelationID = correlationID.String
	e.Change = audit.NewChange(audit.Operation(op), attributeName.String, before.String, after.String)
	return e, nil
}

// argBuilder numbers placeholders in the order arguments are bound.
type argBuilder struct {
	dialect Dialect
	args    []any
}

func (s *Store) builder() *argBuilder {
	return &argBuilder{dialect: s.dialect}
}

func (b *argBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return b.dialect.placeholder(len(b.args))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
