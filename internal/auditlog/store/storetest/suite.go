// Package storetest holds the behaviour every LogStore backend must share.
// Backend packages embed Suite and supply a constructor.
package storetest

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/stretchr/testify/suite"

	"audittrail/internal/auditlog/store"
	audit "audittrail/pkg/platform/audit"
	"audittrail/pkg/requestcontext"
)

// Base is the reference instant for fixture timestamps.
var Base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Suite runs the shared LogStore contract against a backend.
type Suite struct {
	suite.Suite
	// NewStore returns an empty store for each test.
	NewStore func() store.LogStore

	store store.LogStore
	ctx   context.Context
}

func (s *Suite) SetupTest() {
	s.store = s.NewStore()
	s.ctx = requestcontext.WithTime(context.Background(), Base)
}

// Entry builds a valid entry at Base minus minutes.
func Entry(n int, clientID, agentID string, op audit.Operation) audit.Entry {
	var change audit.Change
	switch op {
	case audit.OperationCreate:
		change = audit.Created{AfterValue: fmt.Sprintf("after-%d", n)}
	case audit.OperationUpdate:
		change = audit.Updated{AttributeName: "Address", BeforeValue: "old", AfterValue: "new"}
	case audit.OperationDelete:
		change = audit.Deleted{BeforeValue: "Active Account"}
	default:
		change = audit.Read{}
	}
	return audit.Entry{
		LogID:         fmt.Sprintf("log-%03d", n),
		Timestamp:     Base.Add(-time.Duration(n) * time.Minute),
		ClientID:      clientID,
		AgentID:       agentID,
		SourceService: "client-service",
		TTL:           Base.Add(24 * time.Hour).Unix(),
		Change:        change,
	}
}

func (s *Suite) put(entries ...audit.Entry) {
	for _, e := range entries {
		s.Require().NoError(s.store.Put(s.ctx, e))
	}
}

// drain follows Next until the index is exhausted and returns the log ids seen.
func (s *Suite) drain(q store.Query) []string {
	var ids []string
	for range 100 {
		page, err := s.store.Query(s.ctx, q)
		s.Require().NoError(err)
		for _, e := range page.Entries {
			ids = append(ids, e.LogID)
		}
		if page.Next == nil {
			return ids
		}
		q = q.After(page.Next)
	}
	s.FailNow("query did not terminate")
	return nil
}

func (s *Suite) TestPutThenQueryClientPartitionNewestFirst() {
	s.put(
		Entry(3, "client-a", "agent-1", audit.OperationRead),
		Entry(1, "client-a", "agent-1", audit.OperationCreate),
		Entry(2, "client-a", "agent-2", audit.OperationDelete),
		Entry(4, "client-b", "agent-1", audit.OperationRead),
	)

	page, err := s.store.Query(s.ctx, store.On(store.ByClient, "client-a").Limit(10))
	s.Require().NoError(err)
	s.Require().Len(page.Entries, 3)
	s.Equal("log-001", page.Entries[0].LogID)
	s.Equal("log-002", page.Entries[1].LogID)
	s.Equal("log-003", page.Entries[2].LogID)
	s.Nil(page.Next)
}

func (s *Suite) TestEntryRoundTripsThroughStore() {
	want := Entry(1, "client-a", "agent-1", audit.OperationUpdate)
	want.CorrelationID = "req-123"
	s.put(want)

	page, err := s.store.Query(s.ctx, store.On(store.ByClient, "client-a").Limit(1))
	s.Require().NoError(err)
	s.Require().Len(page.Entries, 1)
	got := page.Entries[0]
	s.Equal(want.LogID, got.LogID)
	s.True(want.Timestamp.Equal(got.Timestamp))
	s.Equal(want.Change, got.Change)
	s.Equal(want.TTL, got.TTL)
	s.Equal("req-123", got.CorrelationID)
}

func (s *Suite) TestDuplicatePrimaryKeyIsIgnored() {
	first := Entry(1, "client-a", "agent-1", audit.OperationCreate)
	redelivered := first
	redelivered.LogID = "log-redelivered"

	s.put(first, first, redelivered)

	ids := s.drain(store.On(store.ByClient, "client-a").Limit(10))
	s.Equal([]string{"log-001"}, ids, "first write wins")
}

func (s *Suite) TestPagingWithLimitVisitsEveryEntryOnce() {
	for i := 1; i <= 7; i++ {
		s.put(Entry(i, "client-a", "agent-1", audit.OperationRead))
	}

	page, err := s.store.Query(s.ctx, store.On(store.ByAgent, "agent-1").Limit(3))
	s.Require().NoError(err)
	s.Len(page.Entries, 3)
	s.Require().NotNil(page.Next)
	s.Equal("log-003", page.Next.LogID)

	ids := s.drain(store.On(store.ByAgent, "agent-1").Limit(3))
	s.Equal([]string{"log-001", "log-002", "log-003", "log-004", "log-005", "log-006", "log-007"}, ids)
}

func (s *Suite) TestLimitEqualToRemainingReportsExhaustion() {
	for i := 1; i <= 3; i++ {
		s.put(Entry(i, "client-a", "agent-1", audit.OperationRead))
	}
	page, err := s.store.Query(s.ctx, store.On(store.ByAgent, "agent-1").Limit(3))
	s.Require().NoError(err)
	s.Len(page.Entries, 3)
	s.Nil(page.Next)
}

func (s *Suite) TestAgentIndexSpansClients() {
	s.put(
		Entry(1, "client-a", "agent-1", audit.OperationRead),
		Entry(2, "client-b", "agent-1", audit.OperationRead),
		Entry(3, "client-c", "agent-2", audit.OperationRead),
	)
	s.Equal([]string{"log-001", "log-002"}, s.drain(store.On(store.ByAgent, "agent-1").Limit(10)))
}

func (s *Suite) TestOperationIndex() {
	s.put(
		Entry(1, "client-a", "agent-1", audit.OperationCreate),
		Entry(2, "client-b", "agent-2", audit.OperationRead),
		Entry(3, "client-c", "agent-3", audit.OperationCreate),
	)
	s.Equal([]string{"log-001", "log-003"},
		s.drain(store.On(store.ByOperation, string(audit.OperationCreate)).Limit(10)))
}

func (s *Suite) TestFilterAcrossPagesReturnsOnlyMatches() {
	for i := 1; i <= 10; i++ {
		op := audit.OperationRead
		if i == 3 || i == 7 {
			op = audit.OperationCreate
		}
		s.put(Entry(i, "client-a", "agent-1", op))
	}

	ids := s.drain(store.On(store.ByAgent, "agent-1").Where(audit.OperationCreate).Limit(2))
	s.Equal([]string{"log-003", "log-007"}, ids)
}

func (s *Suite) TestSinceIsInclusiveLowerBound() {
	for i := 1; i <= 5; i++ {
		s.put(Entry(i, "client-a", "agent-1", audit.OperationRead))
	}
	threshold := Base.Add(-3 * time.Minute)
	ids := s.drain(store.On(store.ByAgent, "agent-1").Since(threshold).Limit(10))
	s.Equal([]string{"log-001", "log-002", "log-003"}, ids)
}

func (s *Suite) TestEqualTimestampsAcrossClientsOrderByLogID() {
	a := Entry(1, "client-a", "agent-1", audit.OperationRead)
	b := Entry(1, "client-b", "agent-1", audit.OperationRead)
	b.LogID = "log-001b"
	s.put(a, b)

	ids := s.drain(store.On(store.ByAgent, "agent-1").Limit(1))
	s.Equal([]string{"log-001b", "log-001"}, ids)
}

// Ties on timestamp must page in the same byte order audit.Key.Before uses,
// whatever the database's text collation says about case and punctuation.
func (s *Suite) TestEqualTimestampTiesFollowByteOrder() {
	logIDs := []string{"log-a", "LOG-B", "log_c", "Log-d", "log-0", "log.9"}
	for i, id := range logIDs {
		e := Entry(1, fmt.Sprintf("client-%d", i), "agent-1", audit.OperationRead)
		e.LogID = id
		s.put(e)
	}
	want := slices.Clone(logIDs)
	slices.Sort(want)
	slices.Reverse(want)

	for _, limit := range []int{1, 2, 4} {
		s.Equal(want, s.drain(store.On(store.ByAgent, "agent-1").Limit(limit)), "limit %d", limit)
	}
}

func (s *Suite) TestExpiredEntriesAreNeverReturned() {
	live := Entry(1, "client-a", "agent-1", audit.OperationRead)
	expired := Entry(2, "client-a", "agent-1", audit.OperationRead)
	expired.TTL = Base.Add(-time.Second).Unix()
	s.put(live, expired)

	s.Equal([]string{"log-001"}, s.drain(store.On(store.ByClient, "client-a").Limit(10)))

	var scanned []string
	s.Require().NoError(s.store.Scan(s.ctx, func(e audit.Entry) error {
		scanned = append(scanned, e.LogID)
		return nil
	}))
	s.Equal([]string{"log-001"}, scanned)
}

func (s *Suite) TestScanStopsOnCallbackError() {
	for i := 1; i <= 3; i++ {
		s.put(Entry(i, "client-a", "agent-1", audit.OperationRead))
	}
	stop := fmt.Errorf("stop")
	calls := 0
	err := s.store.Scan(s.ctx, func(audit.Entry) error {
		calls++
		return stop
	})
	s.ErrorIs(err, stop)
	s.Equal(1, calls)
}

func (s *Suite) TestCanceledContextFailsQuery() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.store.Query(ctx, store.On(store.ByClient, "client-a").Limit(1))
	s.ErrorIs(err, context.Canceled)
}
