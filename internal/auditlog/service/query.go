package service

import (
	"context"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"audittrail/internal/auditlog/cursor"
	"audittrail/internal/auditlog/store"
	dErrors "audittrail/pkg/domain-errors"
	audit "audittrail/pkg/platform/audit"
)

// errClientNotFound covers both a missing client and one owned by another
// agent, so callers cannot probe which clients exist.
var errClientNotFound = dErrors.New(dErrors.CodeNotFound, "Client not found")

// execution carries per-call counters.
type execution struct {
	*Service
	trips int
}

// singleIndex serves the by-actor and by-operation shapes.
func (x *execution) singleIndex(ctx context.Context, req Request, kind cursor.Kind, q store.Query) (*Page, error) {
	scope := cursor.Scope{Kind: kind, Subject: req.Caller.Subject, Operation: req.Operation}
	size := pageSize(req.PageSize, x.config.DefaultPageSize, x.config.MaxPageSize)

	var start *audit.Key
	threshold := x.threshold(ctx, req, true)
	if req.NextToken != "" {
		state, err := x.codec.Decode(req.NextToken, scope)
		if err != nil {
			return nil, err
		}
		threshold = state.Threshold
		start = state.Position
	}

	entries, next, err := x.fill(ctx, q.Since(threshold), size, start)
	if err != nil {
		return nil, err
	}
	return x.page(req, scope, threshold, entries, next, size)
}

// byClient serves one client's partition. Agents must own the client: the
// newest entry for it has to be theirs. Resumed pages skip the check because
// the signed cursor proves an earlier page passed it.
func (x *execution) byClient(ctx context.Context, req Request, needsOwnership bool) (*Page, error) {
	scope := cursor.Scope{
		Kind:      cursor.KindClient,
		Subject:   req.Caller.Subject,
		ClientID:  req.ClientID,
		Operation: req.Operation,
	}
	size := pageSize(req.PageSize, x.config.ClientDefaultPageSize, x.config.ClientMaxPageSize)
	q := store.On(store.ByClient, req.ClientID).Where(req.Operation)

	var start *audit.Key
	threshold := x.threshold(ctx, req, false)
	if req.NextToken != "" {
		state, err := x.codec.Decode(req.NextToken, scope)
		if err != nil {
			return nil, err
		}
		threshold = state.Threshold
		start = state.Position
	} else if needsOwnership {
		if err := x.checkOwnership(ctx, req.ClientID, req.Caller.Subject); err != nil {
			return nil, err
		}
	}

	entries, next, err := x.fill(ctx, q.Since(threshold), size, start)
	if err != nil {
		return nil, err
	}
	return x.page(req, scope, threshold, entries, next, size)
}

func (x *execution) checkOwnership(ctx context.Context, clientID, subject string) error {
	x.trips++
	latest, err := x.store.Query(ctx, store.On(store.ByClient, clientID).Limit(1))
	if err != nil {
		return err
	}
	if len(latest.Entries) == 0 {
		return errClientNotFound
	}
	if latest.Entries[0].AgentID != subject {
		x.logger.WarnContext(ctx, "client ownership check failed",
			"client_id", clientID,
			"subject", subject,
		)
		return errClientNotFound
	}
	return nil
}

// fill reads from one index until size entries are collected or the index
// ends. A filtered read may come back short with more rows behind it, so the
// store limit is raised by the over-fetch factor and the loop follows the
// store's next position. The returned position resumes strictly after the
// last entry handed out; nil means the index is exhausted.
func (x *execution) fill(ctx context.Context, q store.Query, size int, start *audit.Key) ([]audit.Entry, *audit.Key, error) {
	out := make([]audit.Entry, 0, size)
	pos := start
	for range max(x.config.MaxRoundTrips, 1) {
		need := size - len(out)
		limit := need
		if q.Filter != "" {
			limit = need * max(x.config.OverfetchFactor, 1)
		}

		x.trips++
		page, err := x.store.Query(ctx, q.Limit(limit).After(pos))
		if err != nil {
			return nil, nil, err
		}

		for i, e := range page.Entries {
			out = append(out, e)
			if len(out) < size {
				continue
			}
			if i < len(page.Entries)-1 {
				k := e.Key()
				return out, &k, nil
			}
			return out, page.Next, nil
		}
		if page.Next == nil {
			return out, nil, nil
		}
		pos = page.Next
	}
	// Round-trip ceiling: hand back what we have and resume from the last
	// examined row so nothing is skipped.
	return out, pos, nil
}

func (x *execution) page(req Request, scope cursor.Scope, threshold time.Time, entries []audit.Entry, next *audit.Key, size int) (*Page, error) {
	p := &Page{Entries: entries, PageSize: size, Paginated: req.Paginated()}
	if next == nil {
		return p, nil
	}
	token, err := x.encode(cursor.State{Scope: scope, Threshold: threshold, Position: next})
	if err != nil {
		return nil, err
	}
	p.NextToken = token
	return p, nil
}

// partition is one operation index's contribution to a fan-out page.
type partition struct {
	op       audit.Operation
	start    *audit.Key
	entries  []audit.Entry
	next     *audit.Key
	returned int
}

// fanout serves the unfiltered all-logs shape. Each operation partition is
// read concurrently from its own position; the union is merged by
// (timestamp, log_id) and cut to the page size. Reading size entries per
// partition is enough: anything beyond them is older than size entries
// already in hand.
func (x *execution) fanout(ctx context.Context, req Request) (*Page, error) {
	scope := cursor.Scope{Kind: cursor.KindFanout, Subject: req.Caller.Subject}
	size := pageSize(req.PageSize, x.config.DefaultPageSize, x.config.MaxPageSize)

	threshold := x.threshold(ctx, req, true)
	var last *audit.Key
	parts := make([]*partition, 0, len(audit.Operations))
	if req.NextToken != "" {
		state, err := x.codec.Decode(req.NextToken, scope)
		if err != nil {
			return nil, err
		}
		threshold = state.Threshold
		last = state.Last
		for _, op := range audit.Operations {
			if pos, ok := state.Partitions[op]; ok {
				parts = append(parts, &partition{op: op, start: pos})
			}
		}
	} else {
		for _, op := range audit.Operations {
			parts = append(parts, &partition{op: op})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	runs := make([]*execution, len(parts))
	for i, p := range parts {
		runs[i] = &execution{Service: x.Service}
		g.Go(func() error {
			q := store.On(store.ByOperation, string(p.op)).Since(threshold)
			entries, next, err := runs[i].fill(gctx, q, size, p.start)
			if err != nil {
				return err
			}
			p.entries, p.next = entries, next
			return nil
		})
	}
	err := g.Wait()
	for _, r := range runs {
		x.trips += r.trips
	}
	if err != nil {
		return nil, err
	}

	type tagged struct {
		entry audit.Entry
		part  *partition
	}
	var merged []tagged
	for _, p := range parts {
		for _, e := range p.entries {
			if last != nil && !last.Before(e.Key()) {
				continue
			}
			merged = append(merged, tagged{entry: e, part: p})
		}
	}
	slices.SortFunc(merged, func(a, b tagged) int {
		switch {
		case a.entry.Key().Before(b.entry.Key()):
			return -1
		case b.entry.Key().Before(a.entry.Key()):
			return 1
		}
		return 0
	})
	if len(merged) > size {
		merged = merged[:size]
	}

	entries := make([]audit.Entry, 0, len(merged))
	lastReturned := make(map[*partition]audit.Key, len(parts))
	for _, t := range merged {
		entries = append(entries, t.entry)
		t.part.returned++
		lastReturned[t.part] = t.entry.Key()
	}
	if len(entries) > 0 {
		k := entries[len(entries)-1].Key()
		last = &k
	}

	remaining := make(map[audit.Operation]*audit.Key, len(parts))
	for _, p := range parts {
		if p.returned == len(p.entries) {
			// Everything read was handed out; resume where the read stopped.
			if p.next != nil {
				remaining[p.op] = p.next
			}
			continue
		}
		if k, ok := lastReturned[p]; ok {
			remaining[p.op] = &k
		} else {
			remaining[p.op] = p.start
		}
	}
	x.metrics.ObserveOpenPartitions(len(remaining))

	page := &Page{Entries: entries, PageSize: size, Paginated: req.Paginated()}
	if len(remaining) == 0 {
		return page, nil
	}
	token, err := x.encode(cursor.State{Scope: scope, Threshold: threshold, Partitions: remaining, Last: last})
	if err != nil {
		return nil, err
	}
	page.NextToken = token
	return page, nil
}
