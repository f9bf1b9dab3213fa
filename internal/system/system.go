// Package system is the query engine: it owns the relay connection pool, the
// live queries and their result stores, routes inbound relay traffic to the
// right store, and reaps cancelled queries after a grace period.
//
// All bookkeeping sits behind one mutex. Store updates and relay writes are
// performed after the mutex is released, so store hooks may call back into
// the engine.
package system

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"nostr-engine/internal/cache"
	"nostr-engine/internal/config"
	"nostr-engine/internal/filter"
	"nostr-engine/internal/metrics"
	"nostr-engine/internal/nostr"
	"nostr-engine/internal/relay"
	"nostr-engine/internal/store"
	"nostr-engine/internal/types"
)

// Config holds the lifecycle timings of the engine
type Config struct {
	CancelGrace          time.Duration // how long a cancelled query lingers before CLOSE
	ReaperInterval       time.Duration
	FetchTimeout         time.Duration // default for Fetch when none is given
	MetadataInterval     time.Duration
	MetadataFetchTimeout time.Duration
	ProfileCacheExpire   time.Duration // cached profiles older than this are refetched
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		CancelGrace:          5 * time.Second,
		ReaperInterval:       1 * time.Second,
		FetchTimeout:         10 * time.Second,
		MetadataInterval:     500 * time.Millisecond,
		MetadataFetchTimeout: 5 * time.Second,
		ProfileCacheExpire:   30 * time.Minute,
	}
}

// ConfigFrom converts the file configuration
func ConfigFrom(c *config.EngineConfig) Config {
	return Config{
		CancelGrace:          time.Duration(c.CancelGrace),
		ReaperInterval:       time.Duration(c.ReaperInterval),
		FetchTimeout:         time.Duration(c.FetchTimeout),
		MetadataInterval:     time.Duration(c.MetadataInterval),
		MetadataFetchTimeout: time.Duration(c.MetadataFetchTimeout),
		ProfileCacheExpire:   time.Duration(c.ProfileCacheExpire),
	}
}

// ProfileStore is where tracked profiles are kept
type ProfileStore interface {
	GetMultiple(ctx context.Context, pubkeys []string) map[string]*types.CachedProfile
	SetMultiple(ctx context.Context, profiles map[string]*types.ProfileInfo) error
}

// System is the engine. Create it with New, then Start it.
type System struct {
	cfg      Config
	dial     Dialer
	profiles ProfileStore
	now      func() time.Time

	mu      sync.Mutex
	sockets map[string]Connection
	queries map[string]*Subscription
	feeds   map[string]store.NoteStore
	fetches map[string]*pendingFetch
	wanted  map[string]struct{} // pubkeys with tracked metadata

	profileGroup singleflight.Group

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// New creates an engine. A nil profiles store gets an in-memory profile cache.
func New(cfg Config, dial Dialer, profiles ProfileStore) *System {
	d := DefaultConfig()
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = d.CancelGrace
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = d.ReaperInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = d.FetchTimeout
	}
	if cfg.MetadataInterval <= 0 {
		cfg.MetadataInterval = d.MetadataInterval
	}
	if cfg.MetadataFetchTimeout <= 0 {
		cfg.MetadataFetchTimeout = d.MetadataFetchTimeout
	}
	if cfg.ProfileCacheExpire <= 0 {
		cfg.ProfileCacheExpire = d.ProfileCacheExpire
	}
	if dial == nil {
		dial = WebsocketDialer(relay.DefaultOptions())
	}
	if profiles == nil {
		cc := cache.DefaultConfig()
		profiles = cache.NewProfileCache(cache.NewMemoryCache(cc.MaxEntries, cc.CleanupInterval), cc)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &System{
		cfg:      cfg,
		dial:     dial,
		profiles: profiles,
		now:      time.Now,
		sockets:  make(map[string]Connection),
		queries:  make(map[string]*Subscription),
		feeds:    make(map[string]store.NoteStore),
		fetches:  make(map[string]*pendingFetch),
		wanted:   make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the reaper and metadata loops
func (s *System) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.reaperLoop()
	go s.metadataLoop()
	slog.Info("query engine started",
		"cancel_grace", s.cfg.CancelGrace,
		"reaper_interval", s.cfg.ReaperInterval)
}

// Stop halts the background loops and closes every pooled connection.
// The engine cannot be restarted.
func (s *System) Stop() {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	conns := make([]Connection, 0, len(s.sockets))
	for _, c := range s.sockets {
		conns = append(conns, c)
	}
	s.sockets = make(map[string]Connection)
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	slog.Info("query engine stopped", "relays_closed", len(conns))
}

// Query returns the live result store of req, creating and subscribing it on
// first use. Calling it again with the same request id and changed filters
// sends only the difference as a subquery. A nil request returns an empty
// store that never receives events.
//
// newStore is only called when the query does not exist yet. It panics when
// the query already exists with a store of another type.
func Query[T store.NoteStore](s *System, newStore func() T, req *filter.Request) T {
	if req == nil {
		return newStore()
	}
	st := s.query(req, func() store.NoteStore { return newStore() })
	typed, ok := st.(T)
	if !ok {
		var want T
		panic(fmt.Sprintf("system: query %q holds a %T, requested %T", req.ID, st, want))
	}
	return typed
}

func (s *System) query(req *filter.Request, newStore func() store.NoteStore) store.NoteStore {
	next := req.Build()
	now := s.now()

	s.mu.Lock()
	q, ok := s.queries[req.ID]
	if !ok {
		st := newStore()
		q = newSubscription(req.ID, next, now)
		s.queries[q.ID] = q
		s.feeds[q.ID] = st
		out := s.reqLocked(q, next)
		s.mu.Unlock()

		slog.Debug("query added", "sub_id", q.ID, "filters", len(next), "relays", len(out))
		s.flush(out)
		return st
	}

	st := s.feeds[q.ID]
	q.cancelAt = time.Time{}

	var out []outbound
	delta := filter.Diff(q.Filters, next)
	switch {
	case len(delta) == 0:
		// same intent, nothing to send
	case filter.Equal(delta, next):
		q.Filters = next
		q.Started = now
		q.Finished = time.Time{}
		out = s.reqLocked(q, next)
		slog.Debug("query replaced", "sub_id", q.ID, "filters", len(next))
	default:
		sub := q.spawn(delta, now)
		q.Filters = next
		q.Finished = time.Time{}
		out = s.reqLocked(sub, delta)
		metrics.IncSubquery()
		slog.Debug("subquery spawned", "sub_id", sub.ID, "filters", len(delta))
	}
	s.mu.Unlock()

	if len(delta) > 0 {
		st.EOSE(false)
		s.flush(out)
	}
	return st
}

// reqLocked prepares a REQ for wire query q to every readable connection
func (s *System) reqLocked(q *Subscription, filters []types.Filter) []outbound {
	out := make([]outbound, 0, len(s.sockets))
	for addr, conn := range s.sockets {
		if !conn.Settings().Read {
			continue
		}
		q.sentTo[addr] = struct{}{}
		out = append(out, outbound{conn: conn, subID: q.ID, filters: filter.CloneAll(filters)})
	}
	return out
}

// CancelQuery schedules the query for removal after the cancel grace period.
// A later Query call with the same id revives it. Cancelling again moves the
// deadline.
func (s *System) CancelQuery(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queries[id]
	if !ok {
		return
	}
	q.cancelAt = s.now().Add(s.cfg.CancelGrace)
	slog.Debug("query cancel scheduled", "sub_id", id, "at", q.cancelAt)
}

// GetQuery returns a copy of a live query's bookkeeping, taken under the
// engine lock
func (s *System) GetQuery(id string) (QueryInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queries[id]
	if !ok {
		return QueryInfo{}, false
	}
	return s.infoLocked(q), true
}

func (s *System) reaperLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.reap()
		}
	}
}

// reap removes every query whose grace period has passed and closes its wire
// subscriptions on the connections they were sent to.
func (s *System) reap() {
	now := s.now()
	var out []outbound
	var reaped []string

	s.mu.Lock()
	for id, q := range s.queries {
		if !q.expired(now) {
			continue
		}
		for _, w := range q.wire() {
			for addr := range w.sentTo {
				if conn, ok := s.sockets[addr]; ok {
					out = append(out, outbound{conn: conn, subID: w.ID, close: true})
				}
			}
		}
		delete(s.queries, id)
		delete(s.feeds, id)
		reaped = append(reaped, id)
	}
	s.mu.Unlock()

	for _, id := range reaped {
		metrics.IncQueryReaped()
		slog.Debug("query reaped", "sub_id", id)
	}
	s.flush(out)
}

// resolveLocked maps a wire subscription id to its wire-level query and the
// parent that owns the store. "{id}-{n}" resolves only when id names a live
// query that recorded that subquery.
func (s *System) resolveLocked(subID string) (wire, parent *Subscription) {
	if q, ok := s.queries[subID]; ok {
		return q, q
	}
	i := strings.LastIndexByte(subID, '-')
	if i <= 0 {
		return nil, nil
	}
	p, ok := s.queries[subID[:i]]
	if !ok {
		return nil, nil
	}
	for _, sq := range p.SubQueries {
		if sq.ID == subID {
			return sq, p
		}
	}
	return nil, nil
}

func (s *System) onEvent(conn Connection, subID string, ev types.Event) {
	s.mu.Lock()
	pf := s.fetches[subID]
	var st store.NoteStore
	if pf == nil {
		if _, parent := s.resolveLocked(subID); parent != nil {
			st = s.feeds[parent.ID]
		}
	}
	s.mu.Unlock()

	switch {
	case pf != nil:
		metrics.IncEventReceived()
		pf.add(ev)
	case st != nil:
		metrics.IncEventReceived()
		st.Add(ev)
	default:
		metrics.IncEventDropped()
		slog.Debug("event for unknown subscription", "relay", conn.Address(), "sub_id", subID, "event_id", nostr.ShortID(ev.ID))
	}
}

func (s *System) onEOSE(conn Connection, subID string) {
	metrics.IncEOSE()
	now := s.now()
	closeMsg := []outbound{{conn: conn, subID: subID, close: true}}

	s.mu.Lock()
	if pf := s.fetches[subID]; pf != nil {
		s.mu.Unlock()
		s.flush(closeMsg)
		pf.eose(conn.Address())
		return
	}

	wire, parent := s.resolveLocked(subID)
	if parent == nil {
		s.mu.Unlock()
		slog.Debug("EOSE for unknown subscription", "relay", conn.Address(), "sub_id", subID)
		return
	}
	wire.Finished = now
	parent.Finished = now
	delete(wire.sentTo, conn.Address())
	st := s.feeds[parent.ID]
	s.mu.Unlock()

	st.EOSE(true)
	s.flush(closeMsg)
}

// onConnected replays every open query to a connection that just came up.
// Ephemeral connections are only replayed on their initial connect.
func (s *System) onConnected(conn Connection, reconnect bool) {
	if reconnect && conn.Ephemeral() {
		return
	}
	addr := conn.Address()

	s.mu.Lock()
	if s.sockets[addr] != conn || !conn.Settings().Read {
		s.mu.Unlock()
		return
	}
	var out []outbound
	for _, q := range s.queries {
		if q.Closing() {
			continue
		}
		q.sentTo[addr] = struct{}{}
		out = append(out, outbound{conn: conn, subID: q.ID, filters: filter.CloneAll(q.Filters)})
	}
	s.mu.Unlock()

	if len(out) > 0 {
		slog.Debug("replaying queries", "relay", addr, "queries", len(out), "reconnect", reconnect)
	}
	for range out {
		metrics.IncRelayReplay()
	}
	s.flush(out)
}
