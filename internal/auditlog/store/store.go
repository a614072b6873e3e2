// Package store defines the log store adapter: the narrow read/write surface
// the writer and the query engine use, independent of the backing database.
//
// Rows live in a partition per client_id, sorted by timestamp. Two secondary
// indexes expose the same rows by agent_id and by crud_operation. Every index
// is read newest-first in (timestamp, log_id) order.
package store

import (
	"context"
	"time"

	audit "audittrail/pkg/platform/audit"
	"audittrail/pkg/platform/sentinel"
)

// ErrRejected marks a write the store will never accept, whatever the number
// of retries (oversized item, constraint violation). The writer drops such
// messages instead of asking for redelivery.
var ErrRejected = sentinel.ErrRejected

// Index names an access pattern over the log.
type Index int

const (
	// ByClient reads one client's partition.
	ByClient Index = iota
	// ByAgent reads the agent_id secondary index.
	ByAgent
	// ByOperation reads the crud_operation secondary index.
	ByOperation
)

func (i Index) String() string {
	switch i {
	case ByClient:
		return "client"
	case ByAgent:
		return "agent"
	case ByOperation:
		return "operation"
	}
	return "unknown"
}

// Query describes one index read. Build it with On and the chained setters:
//
//	q := store.On(store.ByAgent, "agent-1").Since(threshold).Where(audit.OperationCreate).Limit(20).After(pos)
type Query struct {
	Index Index
	// Key is the index key value: a client id, agent id or operation.
	Key string
	// Lower is the inclusive lower bound on timestamp; zero means unbounded.
	Lower time.Time
	// Filter keeps only entries with this operation. Backends may apply it
	// after Max, as a key-value store's filter expression does, so a page can
	// come back short while Next is still set.
	Filter audit.Operation
	// Max caps the number of rows examined; zero means no cap.
	Max int
	// Start, when set, resumes strictly after this position.
	Start *audit.Key
}

// On starts a query on index for key.
func On(index Index, key string) Query {
	return Query{Index: index, Key: key}
}

// Since bounds the query to entries at or after t.
func (q Query) Since(t time.Time) Query {
	q.Lower = t
	return q
}

// Where filters the query to one operation. An empty op clears the filter.
func (q Query) Where(op audit.Operation) Query {
	q.Filter = op
	return q
}

// Limit caps the rows examined by a single call.
func (q Query) Limit(n int) Query {
	q.Max = n
	return q
}

// After resumes the query strictly after pos. A nil pos starts from the newest entry.
func (q Query) After(pos *audit.Key) Query {
	if pos != nil {
		p := *pos
		q.Start = &p
	} else {
		q.Start = nil
	}
	return q
}

// Matches reports whether e belongs to the query's index key, time bound and
// start position. The filter is not consulted.
func (q Query) Matches(e audit.Entry) bool {
	switch q.Index {
	case ByClient:
		if e.ClientID != q.Key {
			return false
		}
	case ByAgent:
		if e.AgentID != q.Key {
			return false
		}
	case ByOperation:
		if string(e.Operation()) != q.Key {
			return false
		}
	default:
		return false
	}
	if !q.Lower.IsZero() && e.Timestamp.Before(q.Lower) {
		return false
	}
	if q.Start != nil && !q.Start.Before(e.Key()) {
		return false
	}
	return true
}

// Page is one store round-trip.
type Page struct {
	// Entries are newest-first and already filtered.
	Entries []audit.Entry
	// Next is the position to resume from, or nil when the index is exhausted.
	Next *audit.Key
}

// LogStore is the persistence boundary for audit entries. Implementations
// must be safe for concurrent use.
type LogStore interface {
	// Put writes an entry. The (client_id, timestamp) pair is the primary key;
	// a second write for the same pair is ignored, so redelivery is harmless.
	Put(ctx context.Context, entry audit.Entry) error
	// Query reads one page from an index. Entries past their ttl are skipped.
	Query(ctx context.Context, q Query) (Page, error)
	// Scan visits every live entry in no particular order until fn returns an error.
	Scan(ctx context.Context, fn func(audit.Entry) error) error
}
