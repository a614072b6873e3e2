package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"audittrail/internal/auditlog/authz"
	"audittrail/internal/auditlog/cursor"
	"audittrail/internal/auditlog/store"
	"audittrail/internal/auditlog/store/memory"
	dErrors "audittrail/pkg/domain-errors"
	audit "audittrail/pkg/platform/audit"
	"audittrail/pkg/platform/sentinel"
	"audittrail/pkg/requestcontext"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// countingStore records every store call the engine makes.
type countingStore struct {
	LogStore
	calls atomic.Int32
	err   error
}

func (c *countingStore) Query(ctx context.Context, q store.Query) (store.Page, error) {
	c.calls.Add(1)
	if c.err != nil {
		return store.Page{}, c.err
	}
	return c.LogStore.Query(ctx, q)
}

// stalledStore holds every query until the caller's context ends, then fails
// the way a driver does when the server cancels the statement.
type stalledStore struct {
	LogStore
}

func (stalledStore) Query(ctx context.Context, _ store.Query) (store.Page, error) {
	<-ctx.Done()
	return store.Page{}, fmt.Errorf("%w: canceling statement due to user request", sentinel.ErrUnavailable)
}

type ServiceSuite struct {
	suite.Suite
	mem     *memory.InMemoryStore
	store   *countingStore
	service *Service
	ctx     context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.mem = memory.NewInMemoryStore()
	s.store = &countingStore{LogStore: s.mem}
	codec := cursor.New([]byte("test-key"), cursor.WithClock(func() time.Time { return now }))
	s.service = New(s.store, codec,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.ctx = requestcontext.WithTime(context.Background(), now)
}

func intPtr(v int) *int { return &v }

var (
	agentA = authz.Caller{Subject: "agent-a", Role: authz.RoleAgent}
	agentB = authz.Caller{Subject: "agent-b", Role: authz.RoleAgent}
	admin  = authz.Caller{Subject: "admin-1", Role: authz.RoleAdmin}
)

// seed writes an entry n minutes before now.
func (s *ServiceSuite) seed(n int, clientID, agentID string, op audit.Operation) audit.Entry {
	var change audit.Change
	switch op {
	case audit.OperationCreate:
		change = audit.Created{AfterValue: "v"}
	case audit.OperationUpdate:
		change = audit.Updated{AttributeName: "a", BeforeValue: "b", AfterValue: "c"}
	case audit.OperationDelete:
		change = audit.Deleted{BeforeValue: "v"}
	default:
		change = audit.Read{}
	}
	e := audit.Entry{
		LogID:         fmt.Sprintf("log-%03d", n),
		Timestamp:     now.Add(-time.Duration(n) * time.Minute),
		ClientID:      clientID,
		AgentID:       agentID,
		SourceService: "client-service",
		TTL:           now.Add(time.Hour).Unix(),
		Change:        change,
	}
	s.Require().NoError(s.mem.Put(s.ctx, e))
	return e
}

func ids(entries []audit.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.LogID)
	}
	return out
}

// drain pages through req until has_more is false.
func (s *ServiceSuite) drain(req Request) [][]string {
	var pages [][]string
	for range 200 {
		page, err := s.service.Query(s.ctx, req)
		s.Require().NoError(err)
		s.assertNewestFirst(page.Entries)
		pages = append(pages, ids(page.Entries))
		if !page.HasMore() {
			return pages
		}
		req.NextToken = page.NextToken
	}
	s.FailNow("pagination did not terminate")
	return nil
}

func (s *ServiceSuite) assertNewestFirst(entries []audit.Entry) {
	for i := 1; i < len(entries); i++ {
		s.False(entries[i].Timestamp.After(entries[i-1].Timestamp),
			"entry %s is newer than %s", entries[i].LogID, entries[i-1].LogID)
	}
}

func (s *ServiceSuite) TestByActorReturnsOnlyCallersEntriesNewestFirst() {
	s.seed(3, "client-1", "agent-a", audit.OperationRead)
	s.seed(1, "client-2", "agent-a", audit.OperationCreate)
	s.seed(2, "client-1", "agent-b", audit.OperationRead)

	page, err := s.service.Query(s.ctx, Request{Caller: agentA, Scope: authz.ScopeOwn})
	s.Require().NoError(err)
	s.Equal([]string{"log-001", "log-003"}, ids(page.Entries))
	s.False(page.HasMore())
	s.False(page.Paginated)
	s.Equal(50, page.PageSize)
}

func (s *ServiceSuite) TestLegacyLookbackAppliesOnlyWithoutPagination() {
	s.seed(10, "client-1", "agent-a", audit.OperationRead)
	s.seed(25*60, "client-1", "agent-a", audit.OperationRead)

	page, err := s.service.Query(s.ctx, Request{Caller: agentA, Scope: authz.ScopeOwn})
	s.Require().NoError(err)
	s.Equal([]string{"log-010"}, ids(page.Entries), "non-paginated calls see the last 24 hours")

	page, err = s.service.Query(s.ctx, Request{Caller: agentA, Scope: authz.ScopeOwn, PageSize: intPtr(10)})
	s.Require().NoError(err)
	s.Equal([]string{"log-010", "log-1500"}, ids(page.Entries), "paginated calls without hours are unbounded")
	s.True(page.Paginated)

	page, err = s.service.Query(s.ctx, Request{Caller: agentA, Scope: authz.ScopeOwn, Hours: intPtr(48)})
	s.Require().NoError(err)
	s.Equal([]string{"log-010", "log-1500"}, ids(page.Entries))

	page, err = s.service.Query(s.ctx, Request{Caller: agentA, Scope: authz.ScopeOwn, Hours: intPtr(1), PageSize: intPtr(10)})
	s.Require().NoError(err)
	s.Equal([]string{"log-010"}, ids(page.Entries))
}

func (s *ServiceSuite) TestOverfetchFindsSparseFilterMatches() {
	for i := 1; i <= 10; i++ {
		op := audit.OperationRead
		if i == 3 || i == 7 {
			op = audit.OperationCreate
		}
		s.seed(i, "client-1", "agent-a", op)
	}
	req := Request{Caller: agentA, Scope: authz.ScopeOwn, Operation: audit.OperationCreate, PageSize: intPtr(1)}

	first, err := s.service.Query(s.ctx, req)
	s.Require().NoError(err)
	s.Equal([]string{"log-003"}, ids(first.Entries))
	s.Require().True(first.HasMore())
	s.GreaterOrEqual(int(s.store.calls.Load()), 2, "the first store page holds no CREATE entry")

	req.NextToken = first.NextToken
	second, err := s.service.Query(s.ctx, req)
	s.Require().NoError(err)
	s.Equal([]string{"log-007"}, ids(second.Entries))

	if second.HasMore() {
		req.NextToken = second.NextToken
		third, err := s.service.Query(s.ctx, req)
		s.Require().NoError(err)
		s.Empty(third.Entries)
		s.False(third.HasMore())
	}
}

func (s *ServiceSuite) TestPagingVisitsEveryEntryExactlyOnce() {
	var want []string
	for i := 1; i <= 23; i++ {
		s.seed(i, fmt.Sprintf("client-%d", i%4), "agent-a", audit.Operations[i%4])
		want = append(want, fmt.Sprintf("log-%03d", i))
	}

	for _, size := range []int{1, 4, 5, 23, 50} {
		pages := s.drain(Request{Caller: agentA, Scope: authz.ScopeOwn, PageSize: intPtr(size)})
		s.Equal(want, slices.Concat(pages...), "page size %d", size)
	}
}

func (s *ServiceSuite) TestPageSizeIsClamped() {
	for i := 1; i <= 120; i++ {
		s.seed(i, "client-1", "agent-a", audit.OperationRead)
	}

	page, err := s.service.Query(s.ctx, Request{Caller: agentA, Scope: authz.ScopeOwn, PageSize: intPtr(500)})
	s.Require().NoError(err)
	s.Len(page.Entries, 100)
	s.Equal(100, page.PageSize)

	page, err = s.service.Query(s.ctx, Request{Caller: agentA, Scope: authz.ScopeOwn, PageSize: intPtr(0)})
	s.Require().NoError(err)
	s.Len(page.Entries, 1)

	page, err = s.service.Query(s.ctx, Request{Caller: agentA, Scope: authz.ScopeClient, ClientID: "client-1", PageSize: intPtr(50)})
	s.Require().NoError(err)
	s.Len(page.Entries, 20)

	page, err = s.service.Query(s.ctx, Request{Caller: agentA, Scope: authz.ScopeClient, ClientID: "client-1"})
	s.Require().NoError(err)
	s.Len(page.Entries, 10)
}

func (s *ServiceSuite) TestByClientRequiresOwnership() {
	s.seed(1, "client-b", "agent-b", audit.OperationUpdate)
	s.seed(2, "client-b", "agent-a", audit.OperationRead)

	_, err := s.service.Query(s.ctx, Request{Caller: agentA, Scope: authz.ScopeClient, ClientID: "client-b"})
	s.Require().Error(err)
	s.ErrorIs(err, dErrors.New(dErrors.CodeNotFound, "Client not found"))

	_, err = s.service.Query(s.ctx, Request{Caller: agentA, Scope: authz.ScopeClient, ClientID: "no-such-client"})
	s.ErrorIs(err, dErrors.New(dErrors.CodeNotFound, "Client not found"), "missing and foreign clients look the same")

	page, err := s.service.Query(s.ctx, Request{Caller: agentB, Scope: authz.ScopeClient, ClientID: "client-b"})
	s.Require().NoError(err)
	s.Equal([]string{"log-001", "log-002"}, ids(page.Entries), "the owner sees every agent's entries for the client")
}

func (s *ServiceSuite) TestByClientResumeSkipsOwnershipButBindsCursor() {
	for i := 1; i <= 5; i++ {
		s.seed(i, "client-a", "agent-a", audit.OperationRead)
	}
	first, err := s.service.Query(s.ctx, Request{Caller: agentA, Scope: authz.ScopeClient, ClientID: "client-a", PageSize: intPtr(2)})
	s.Require().NoError(err)
	s.Require().True(first.HasMore())

	// Ownership changes hands; the resumed page still serves the authorized session.
	s.seed(0, "client-a", "agent-b", audit.OperationUpdate)
	calls := s.store.calls.Load()
	second, err := s.service.Query(s.ctx, Request{
		Caller: agentA, Scope: authz.ScopeClient, ClientID: "client-a", PageSize: intPtr(2), NextToken: first.NextToken,
	})
	s.Require().NoError(err)
	s.Equal([]string{"log-003", "log-004"}, ids(second.Entries))
	s.Equal(calls+1, s.store.calls.Load(), "no ownership round-trip on resume")

	_, err = s.service.Query(s.ctx, Request{
		Caller: agentB, Scope: authz.ScopeClient, ClientID: "client-a", PageSize: intPtr(2), NextToken: first.NextToken,
	})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidCursor), "cursor is bound to the agent that earned it")

	_, err = s.service.Query(s.ctx, Request{
		Caller: agentA, Scope: authz.ScopeClient, ClientID: "client-b", PageSize: intPtr(2), NextToken: first.NextToken,
	})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidCursor), "cursor is bound to the client")
}

func (s *ServiceSuite) TestAdminReadsAnyClientWithoutOwnership() {
	s.seed(1, "client-b", "agent-b", audit.OperationRead)

	page, err := s.service.Query(s.ctx, Request{Caller: admin, Scope: authz.ScopeClient, ClientID: "client-b"})
	s.Require().NoError(err)
	s.Equal([]string{"log-001"}, ids(page.Entries))

	page, err = s.service.Query(s.ctx, Request{Caller: admin, Scope: authz.ScopeClient, ClientID: "unknown"})
	s.Require().NoError(err)
	s.Empty(page.Entries)
}

func (s *ServiceSuite) TestAdminFilteredUsesOperationIndex() {
	s.seed(1, "client-1", "agent-a", audit.OperationDelete)
	s.seed(2, "client-2", "agent-b", audit.OperationRead)
	s.seed(3, "client-3", "agent-c", audit.OperationDelete)

	page, err := s.service.Query(s.ctx, Request{Caller: admin, Scope: authz.ScopeOwn, Operation: audit.OperationDelete})
	s.Require().NoError(err)
	s.Equal([]string{"log-001", "log-003"}, ids(page.Entries))
	s.Equal(int32(1), s.store.calls.Load())
}

func (s *ServiceSuite) TestFanoutMatchesGlobalSort() {
	var all []audit.Entry
	for i := 1; i <= 37; i++ {
		// Skew the distribution so partitions drain at different rates.
		op := audit.Operations[(i*i)%4]
		all = append(all, s.seed(i, fmt.Sprintf("client-%d", i%5), fmt.Sprintf("agent-%d", i%3), op))
	}
	// Entries sharing one timestamp across partitions and clients.
	for j, op := range audit.Operations {
		e := s.seed(100, fmt.Sprintf("tie-client-%d", j), "agent-x", op)
		e.LogID = fmt.Sprintf("tie-%d", j)
		all = append(all, e)
	}
	s.mem.Clear()
	for _, e := range all {
		s.Require().NoError(s.mem.Put(s.ctx, e))
	}

	slices.SortFunc(all, func(a, b audit.Entry) int {
		if a.Key().Before(b.Key()) {
			return -1
		}
		return 1
	})
	want := ids(all)

	for _, size := range []int{1, 3, 7, 10, 41, 100} {
		pages := s.drain(Request{Caller: admin, Scope: authz.ScopeOwn, PageSize: intPtr(size)})
		got := slices.Concat(pages...)
		s.Equal(want, got, "page size %d", size)
		for i, p := range pages[:len(pages)-1] {
			s.Len(p, size, "page %d of size %d should be full", i, size)
		}
	}
}

func (s *ServiceSuite) TestFanoutWithEmptyPartitions() {
	s.seed(1, "client-1", "agent-a", audit.OperationRead)
	s.seed(2, "client-1", "agent-a", audit.OperationRead)
	s.seed(3, "client-1", "agent-a", audit.OperationRead)

	pages := s.drain(Request{Caller: admin, Scope: authz.ScopeOwn, PageSize: intPtr(2)})
	s.Equal([][]string{{"log-001", "log-002"}, {"log-003"}}, pages)
}

func (s *ServiceSuite) TestFanoutCursorRejectedForFilteredQuery() {
	for i := 1; i <= 4; i++ {
		s.seed(i, "client-1", "agent-a", audit.Operations[i%4])
	}
	page, err := s.service.Query(s.ctx, Request{Caller: admin, Scope: authz.ScopeOwn, PageSize: intPtr(1)})
	s.Require().NoError(err)
	s.Require().True(page.HasMore())

	_, err = s.service.Query(s.ctx, Request{
		Caller: admin, Scope: authz.ScopeOwn, Operation: audit.OperationRead, PageSize: intPtr(1), NextToken: page.NextToken,
	})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidCursor))
}

func (s *ServiceSuite) TestCursorThresholdIsAuthoritative() {
	for i := 1; i <= 4; i++ {
		s.seed(i*60, "client-1", "agent-a", audit.OperationRead)
	}
	req := Request{Caller: agentA, Scope: authz.ScopeOwn, Hours: intPtr(3), PageSize: intPtr(1)}
	first, err := s.service.Query(s.ctx, req)
	s.Require().NoError(err)
	s.Equal([]string{"log-060"}, ids(first.Entries))

	req.Hours = nil
	req.NextToken = first.NextToken
	pages := s.drain(req)
	s.Equal([]string{"log-120", "log-180"}, slices.Concat(pages...))
}

func (s *ServiceSuite) TestExpiredEntriesAreNotReturned() {
	live := s.seed(1, "client-1", "agent-a", audit.OperationRead)
	expired := live
	expired.LogID = "log-expired"
	expired.Timestamp = now.Add(-30 * time.Second)
	expired.TTL = now.Add(-time.Second).Unix()
	s.Require().NoError(s.mem.Put(s.ctx, expired))

	page, err := s.service.Query(s.ctx, Request{Caller: agentA, Scope: authz.ScopeOwn})
	s.Require().NoError(err)
	s.Equal([]string{"log-001"}, ids(page.Entries))
}

func (s *ServiceSuite) TestRoundTripCeilingReturnsResumablePartialPage() {
	s.service.config.MaxRoundTrips = 2
	for i := 1; i <= 12; i++ {
		op := audit.OperationRead
		if i == 11 {
			op = audit.OperationCreate
		}
		s.seed(i, "client-1", "agent-a", op)
	}
	req := Request{Caller: agentA, Scope: authz.ScopeOwn, Operation: audit.OperationCreate, PageSize: intPtr(1)}

	pages := s.drain(req)
	s.Equal([]string{"log-011"}, slices.Concat(pages...))
	s.Greater(len(pages), 1, "the ceiling splits the scan across calls")
}

func (s *ServiceSuite) TestErrors() {
	s.Run("unknown role is forbidden", func() {
		_, err := s.service.Query(s.ctx, Request{Caller: authz.Caller{Subject: "x", Role: "auditor"}})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})
	s.Run("non-positive hours", func() {
		_, err := s.service.Query(s.ctx, Request{Caller: agentA, Hours: intPtr(0)})
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})
	s.Run("garbage cursor", func() {
		_, err := s.service.Query(s.ctx, Request{Caller: agentA, NextToken: "garbage"})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidCursor))
	})
	s.Run("store failure is internal", func() {
		s.store.err = errors.New("connection refused")
		defer func() { s.store.err = nil }()
		_, err := s.service.Query(s.ctx, Request{Caller: admin})
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
		s.Equal("Internal server error", dErrors.Message(err))
	})
	s.Run("deadline is a timeout", func() {
		s.store.err = fmt.Errorf("query agent index: %w", context.DeadlineExceeded)
		defer func() { s.store.err = nil }()
		_, err := s.service.Query(s.ctx, Request{Caller: agentA})
		s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
	})
	s.Run("deadline reported by the driver as a cancelled statement", func() {
		svc := New(stalledStore{LogStore: s.mem}, cursor.New([]byte("test-key")),
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		)
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Millisecond)
		defer cancel()

		_, err := svc.Query(ctx, Request{Caller: admin})
		s.True(dErrors.HasCode(err, dErrors.CodeTimeout), "got %s", dErrors.CodeOf(err))
		s.Equal("Request timed out", dErrors.Message(err))
	})
	s.Run("caller going away is not an internal error", func() {
		svc := New(stalledStore{LogStore: s.mem}, cursor.New([]byte("test-key")),
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		)
		ctx, cancel := context.WithCancel(s.ctx)
		time.AfterFunc(10*time.Millisecond, cancel)

		_, err := svc.Query(ctx, Request{Caller: agentA})
		s.True(dErrors.HasCode(err, dErrors.CodeCanceled), "got %s", dErrors.CodeOf(err))
		s.False(dErrors.HasCode(err, dErrors.CodeInternal))
	})
}
