package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"audittrail/internal/auditlog/store"
	"audittrail/internal/auditlog/store/storetest"
	audit "audittrail/pkg/platform/audit"
	"audittrail/pkg/requestcontext"
)

func TestInMemoryStoreContract(t *testing.T) {
	suite.Run(t, &storetest.Suite{
		NewStore: func() store.LogStore { return NewInMemoryStore() },
	})
}

func TestInMemoryStore_FilterAppliesAfterLimit(t *testing.T) {
	s := NewInMemoryStore()
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
	assert.Empty(t, page.Entries, "first two rows examined are READs")
	require.NotNil(t, page.Next)
	assert.Equal(t, "log-002", page.Next.LogID)
}

func TestInMemoryStore_RejectsOversizedEntry(t *testing.T) {
	s := NewInMemoryStore()
	e := storetest.Entry(1, "client-a", "agent-1", audit.OperationCreate)
	e.Change = audit.Created{AfterValue: strings.Repeat("x", MaxItemBytes)}

	err := s.Put(context.Background(), e)
	require.ErrorIs(t, err, store.ErrRejected)
	assert.Equal(t, 0, s.Len())
}
