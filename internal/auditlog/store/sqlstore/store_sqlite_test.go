package sqlstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"audittrail/internal/auditlog/store"
	"audittrail/internal/auditlog/store/storetest"
	audit "audittrail/pkg/platform/audit"
	"audittrail/pkg/platform/sentinel"
	"audittrail/pkg/requestcontext"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, SQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

type sqliteContractSuite struct {
	storetest.Suite
}

func TestSQLiteStoreContract(t *testing.T) {
	s := &sqliteContractSuite{}
	s.NewStore = func() store.LogStore { return newSQLiteStore(s.T()) }
	suite.Run(t, s)
}

func TestSQLiteStore_MigrateIsIdempotent(t *testing.T) {
	s := newSQLiteStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSQLiteStore_FilterAppliesBeforeLimit(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := requestcontext.WithTime(context.Background(), storetest.Base)
	for i := 1; i <= 10; i++ {
		op := audit.OperationRead
		if i == 3 || i == 7 {
			op = audit.OperationCreate
		}
		require.NoError(t, s.Put(ctx, storetest.Entry(i, "client-a", "agent-1", op)))
	}

	page, err := s.Query(ctx, store.On(store.ByAgent, "agent-1").Where(audit.OperationCreate).Limit(2))
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "log-003", page.Entries[0].LogID)
	assert.Equal(t, "log-007", page.Entries[1].LogID)
	assert.Nil(t, page.Next)
}

func TestSQLiteStore_RemoveExpiredAt(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := requestcontext.WithTime(context.Background(), storetest.Base)

	live := storetest.Entry(1, "client-a", "agent-1", audit.OperationRead)
	expired := storetest.Entry(2, "client-a", "agent-1", audit.OperationRead)
	expired.TTL = storetest.Base.Add(-time.Minute).Unix()
	require.NoError(t, s.Put(ctx, live))
	require.NoError(t, s.Put(ctx, expired))

	n, err := s.RemoveExpiredAt(ctx, storetest.Base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSQLiteStore_ConstraintViolationIsRejected(t *testing.T) {
	s := newSQLiteStore(t)
	_, err := s.DB().ExecContext(context.Background(),
		`INSERT INTO audit_logs (log_id, ts_nanos, client_id, agent_id, crud_operation, source_service, ttl)
		 VALUES ('log-1', 1, 'client-a', 'agent-1', 'PATCH', 'svc', 10)`)
	require.Error(t, err)
	assert.ErrorIs(t, classify(err), store.ErrRejected)

	_, err = s.Query(context.Background(), store.Query{Index: store.Index(42), Key: "x"})
	assert.Error(t, err)
}

func TestClassify_Unavailable(t *testing.T) {
	assert.ErrorIs(t, classify(driver.ErrBadConn), sentinel.ErrUnavailable)
	assert.ErrorIs(t, classify(&pq.Error{Code: "08006", Message: "connection failure"}), sentinel.ErrUnavailable)
	assert.ErrorIs(t, classify(&pq.Error{Code: "23505", Message: "duplicate"}), sentinel.ErrRejected)

	plain := errors.New("lock wait")
	assert.Same(t, plain, classify(plain))
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{
		"postgres":   Postgres,
		"PostgreSQL": Postgres,
		" sqlite ":   SQLite,
		"sqlite3":    SQLite,
	} {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseDialect("dynamodb")
	assert.True(t, strings.Contains(err.Error(), "unsupported"))
}

func TestSchema_LogIDCollation(t *testing.T) {
	pg := strings.Join(schema(Postgres), "\n")
	assert.Contains(t, pg, `log_id         TEXT COLLATE "C" NOT NULL`)

	lite := strings.Join(schema(SQLite), "\n")
	assert.NotContains(t, lite, "COLLATE", "sqlite compares bytes by default and has no \"C\" collation")
}
