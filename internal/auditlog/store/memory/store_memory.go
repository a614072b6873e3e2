package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"audittrail/internal/auditlog/store"
	audit "audittrail/pkg/platform/audit"
	"audittrail/pkg/requestcontext"
)

// MaxItemBytes mirrors the item size ceiling of the managed key-value store
// the log was designed for. Larger entries are rejected permanently.
const MaxItemBytes = 400 * 1024

type primaryKey struct {
	clientID  string
	timestamp time.Time
}

// InMemoryStore keeps every entry in one slice sorted newest-first. Index
// reads walk it in order; the filter is applied after the row cap, the way a
// key-value store applies a filter expression.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []audit.Entry
	keys    map[primaryKey]struct{}
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{keys: make(map[primaryKey]struct{})}
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.keys = make(map[primaryKey]struct{})
}

// Len returns the number of stored entries, expired ones included.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *InMemoryStore) Put(ctx context.Context, entry audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	size, err := itemSize(entry)
	if err != nil {
		return fmt.Errorf("size entry: %w", err)
	}
	if size > MaxItemBytes {
		return fmt.Errorf("entry %s is %d bytes: %w", entry.LogID, size, store.ErrRejected)
	}

	pk := primaryKey{clientID: entry.ClientID, timestamp: entry.Timestamp.UTC()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[pk]; exists {
		return nil
	}
	s.keys[pk] = struct{}{}

	key := entry.Key()
	i, _ := slices.BinarySearchFunc(s.entries, key, func(e audit.Entry, k audit.Key) int {
		switch {
		case e.Key().Before(k):
			return -1
		case k.Before(e.Key()):
			return 1
		}
		return 0
	})
	s.entries = slices.Insert(s.entries, i, entry)
	return nil
}

func (s *InMemoryStore) Query(ctx context.Context, q store.Query) (store.Page, error) {
	if err := ctx.Err(); err != nil {
		return store.Page{}, err
	}
	now := requestcontext.Now(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		page     store.Page
		examined int
		last     audit.Key
	)
	for _, e := range s.entries {
		if !q.Matches(e) || e.ExpiredAt(now) {
			continue
		}
		if q.Max > 0 && examined == q.Max {
			next := last
			page.Next = &next
			break
		}
		examined++
		last = e.Key()
		if q.Filter != "" && e.Operation() != q.Filter {
			continue
		}
		page.Entries = append(page.Entries, e)
	}
	return page, nil
}

func (s *InMemoryStore) Scan(ctx context.Context, fn func(audit.Entry) error) error {
	now := requestcontext.Now(ctx)

	s.mu.RLock()
	snapshot := slices.Clone(s.entries)
	s.mu.RUnlock()

	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.ExpiredAt(now) {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func itemSize(entry audit.Entry) (int, error) {
	b, err := json.Marshal(entry.ToRecord())
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
