package system

import (
	"sort"
	"time"

	"nostr-engine/internal/filter"
	"nostr-engine/internal/metrics"
	"nostr-engine/internal/types"
)

// QueryInfo is the debug view of one query or subquery
type QueryInfo struct {
	ID         string         `json:"id"`
	Filters    []types.Filter `json:"filters"`
	Started    int64          `json:"started"`
	Finished   int64          `json:"finished,omitempty"`
	Closing    bool           `json:"closing,omitempty"`
	CancelAt   int64          `json:"cancel_at,omitempty"`
	SentTo     []string       `json:"sent_to,omitempty"`
	Events     int            `json:"events"`
	EOSE       bool           `json:"eose"`
	SubQueries []QueryInfo    `json:"subqueries,omitempty"`
}

// Stats is a point-in-time view of the engine
type Stats struct {
	Queries        []QueryInfo         `json:"queries"`
	Relays         []types.RelayStatus `json:"relays"`
	Fetches        int                 `json:"fetches_in_flight"`
	TrackedPubkeys int                 `json:"tracked_pubkeys"`
	Counters       metrics.Counters    `json:"counters"`
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func describe(q *Subscription) QueryInfo {
	info := QueryInfo{
		ID:       q.ID,
		Filters:  filter.CloneAll(q.Filters),
		Started:  unixMilli(q.Started),
		Finished: unixMilli(q.Finished),
		Closing:  q.Closing(),
		CancelAt: unixMilli(q.cancelAt),
	}
	for addr := range q.sentTo {
		info.SentTo = append(info.SentTo, addr)
	}
	sort.Strings(info.SentTo)
	return info
}

// infoLocked copies a query, its subqueries and its store state. Caller
// holds s.mu.
func (s *System) infoLocked(q *Subscription) QueryInfo {
	info := describe(q)
	for _, sq := range q.SubQueries {
		info.SubQueries = append(info.SubQueries, describe(sq))
	}
	if st := s.feeds[q.ID]; st != nil {
		snap := st.Snapshot()
		info.Events = len(snap.Events)
		info.EOSE = snap.EOSE
	}
	return info
}

// Stats describes every live query, the pool and the counters
func (s *System) Stats() Stats {
	s.mu.Lock()
	queries := make([]QueryInfo, 0, len(s.queries))
	for _, q := range s.queries {
		queries = append(queries, s.infoLocked(q))
	}
	fetches := len(s.fetches)
	tracked := len(s.wanted)
	s.mu.Unlock()

	sort.Slice(queries, func(i, j int) bool { return queries[i].ID < queries[j].ID })
	return Stats{
		Queries:        queries,
		Relays:         s.Relays(),
		Fetches:        fetches,
		TrackedPubkeys: tracked,
		Counters:       metrics.Snapshot(),
	}
}

// Gauges feeds the metrics handler
func (s *System) Gauges() metrics.Gauges {
	var g metrics.Gauges
	s.mu.Lock()
	g.QueriesActive = len(s.queries)
	for _, q := range s.queries {
		if q.Closing() {
			g.QueriesClosing++
		}
	}
	g.TrackedPubkeys = len(s.wanted)
	g.RelaysPooled = len(s.sockets)
	conns := make([]Connection, 0, len(s.sockets))
	for _, c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if c.IsConnected() {
			g.RelaysConnected++
		}
	}
	return g
}
