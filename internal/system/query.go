package system

import (
	"fmt"
	"time"

	"nostr-engine/internal/types"
)

// Subscription is the engine's bookkeeping for one logical query. A subquery
// has the same shape, no subqueries of its own, and a wire id of "{parent}-{n}".
type Subscription struct {
	ID         string
	Filters    []types.Filter
	Started    time.Time
	Finished   time.Time
	SubQueries []*Subscription

	cancelAt time.Time
	// addresses the REQ for this wire id went to and that have not closed it yet
	sentTo map[string]struct{}
}

func newSubscription(id string, filters []types.Filter, now time.Time) *Subscription {
	return &Subscription{
		ID:      id,
		Filters: filters,
		Started: now,
		sentTo:  make(map[string]struct{}),
	}
}

// Closing reports whether a cancel is pending
func (q *Subscription) Closing() bool {
	return !q.cancelAt.IsZero()
}

// CancelAt is the reap deadline, zero when no cancel is pending
func (q *Subscription) CancelAt() time.Time {
	return q.cancelAt
}

func (q *Subscription) expired(now time.Time) bool {
	return q.Closing() && !now.Before(q.cancelAt)
}

// spawn records a subquery carrying filters
func (q *Subscription) spawn(filters []types.Filter, now time.Time) *Subscription {
	sub := newSubscription(fmt.Sprintf("%s-%d", q.ID, len(q.SubQueries)+1), filters, now)
	q.SubQueries = append(q.SubQueries, sub)
	return sub
}

// wire returns every wire-level id this query owns, parent first
func (q *Subscription) wire() []*Subscription {
	out := make([]*Subscription, 0, len(q.SubQueries)+1)
	out = append(out, q)
	return append(out, q.SubQueries...)
}
