package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// log_id ties are broken by byte order everywhere: in Go (audit.Key.Before),
// in the keyset predicate and in ORDER BY. SQLite's default BINARY collation
// already compares bytes; Postgres needs the "C" collation spelled out.
func schema(d Dialect) []string {
	logIDType := "TEXT"
	if d == Postgres {
		logIDType = `TEXT COLLATE "C"`
	}
	stmts := []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audit_logs (
		client_id      TEXT   NOT NULL,
		ts_nanos       BIGINT NOT NULL,
		log_id         %s NOT NULL,
		agent_id       TEXT   NOT NULL,
		crud_operation TEXT   NOT NULL CHECK (crud_operation IN ('CREATE', 'READ', 'UPDATE', 'DELETE')),
		source_service TEXT   NOT NULL,
		ttl            BIGINT NOT NULL,
		attribute_name TEXT,
		before_value   TEXT,
		after_value    TEXT,
		correlation_id TEXT,
		PRIMARY KEY (client_id, ts_nanos)
	)`, logIDType)}
	if d == Postgres {
		// Tables created before the collation was declared.
		stmts = append(stmts, `DO $$ BEGIN
		IF EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = 'audit_logs'
				AND column_name = 'log_id' AND collation_name IS DISTINCT FROM 'C'
		) THEN
			ALTER TABLE audit_logs ALTER COLUMN log_id TYPE TEXT COLLATE "C";
		END IF;
	END $$`)
	}
	return append(stmts,
		`CREATE INDEX IF NOT EXISTS audit_logs_agent_idx ON audit_logs (agent_id, ts_nanos DESC, log_id DESC)`,
		`CREATE INDEX IF NOT EXISTS audit_logs_operation_idx ON audit_logs (crud_operation, ts_nanos DESC, log_id DESC)`,
		`CREATE INDEX IF NOT EXISTS audit_logs_ttl_idx ON audit_logs (ttl)`,
	)
}

// Migrate creates the table and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate audit_logs: %w", err)
		}
	}
	return nil
}

// RemoveExpiredAt deletes rows whose ttl has passed as of now. It stands in
// for the native TTL sweeper of a managed key-value store.
func (s *Store) RemoveExpiredAt(ctx context.Context, now time.Time) (int64, error) {
	b := s.builder()
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE ttl <= "+b.arg(now.Unix()), b.args...)
	if err != nil {
		return 0, fmt.Errorf("purge expired audit logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired audit logs: %w", err)
	}
	return n, nil
}

// StartCleanup purges expired rows every interval until ctx is cancelled.
// A failed sweep is logged and retried on the next tick.
func (s *Store) StartCleanup(ctx context.Context, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.RemoveExpiredAt(ctx, time.Now())
			if err != nil {
				logger.ErrorContext(ctx, "audit log purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.InfoContext(ctx, "purged expired audit logs", "count", n)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
