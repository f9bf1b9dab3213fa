package system

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nostr-engine/internal/filter"
	"nostr-engine/internal/metrics"
	"nostr-engine/internal/types"
	"nostr-engine/internal/util"
)

// pendingFetch collects the results of one request/response subscription
type pendingFetch struct {
	id string

	mu      sync.Mutex
	order   []string
	events  map[string]*types.Event
	waiting map[string]struct{}

	done     chan struct{}
	doneOnce sync.Once
}

func newPendingFetch(id string) *pendingFetch {
	return &pendingFetch{
		id:      id,
		events:  make(map[string]*types.Event),
		waiting: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// add keeps the first copy of each event and merges where it was seen
func (p *pendingFetch) add(ev types.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.events[ev.ID]; ok {
		existing.RelaysSeen = util.AppendDedupe(existing.RelaysSeen, ev.RelaysSeen)
		return
	}
	e := ev
	e.RelaysSeen = slices.Clone(ev.RelaysSeen)
	p.events[ev.ID] = &e
	p.order = append(p.order, ev.ID)
}

func (p *pendingFetch) eose(addr string) {
	p.mu.Lock()
	delete(p.waiting, addr)
	left := len(p.waiting)
	p.mu.Unlock()

	if left == 0 {
		p.doneOnce.Do(func() { close(p.done) })
	}
}

func (p *pendingFetch) pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.waiting))
	for addr := range p.waiting {
		out = append(out, addr)
	}
	return out
}

func (p *pendingFetch) result() []types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Event, 0, len(p.order))
	for _, id := range p.order {
		e := *p.events[id]
		e.RelaysSeen = slices.Clone(e.RelaysSeen)
		out = append(out, e)
	}
	return out
}

// Fetch runs req once against every connected readable relay and returns the
// events received, deduplicated by id with RelaysSeen merged. It resolves when
// every relay sent EOSE or when timeout passes; a timeout is not an error and
// yields whatever arrived. A timeout of zero uses the configured default.
func (s *System) Fetch(ctx context.Context, req *filter.Request, timeout time.Duration) ([]types.Event, error) {
	return s.fetch(ctx, req, timeout, true)
}

func (s *System) fetch(ctx context.Context, req *filter.Request, timeout time.Duration, includeEphemeral bool) ([]types.Event, error) {
	if req == nil {
		return nil, nil
	}
	if timeout <= 0 {
		timeout = s.cfg.FetchTimeout
	}

	subID := req.ID + ":" + uuid.NewString()[:8]
	filters := req.Build()

	ctx, span := tracer.Start(ctx, "system.Fetch",
		trace.WithAttributes(
			attribute.String("nostr.sub_id", subID),
			attribute.Int("nostr.filters", len(filters)),
		),
	)
	defer span.End()
	metrics.IncFetch()

	pf := newPendingFetch(subID)
	var out []outbound

	s.mu.Lock()
	for addr, conn := range s.sockets {
		if !conn.Settings().Read || !conn.IsConnected() || (!includeEphemeral && conn.Ephemeral()) {
			continue
		}
		pf.waiting[addr] = struct{}{}
		out = append(out, outbound{conn: conn, subID: subID, filters: filter.CloneAll(filters)})
	}
	if len(out) > 0 {
		s.fetches[subID] = pf
	}
	s.mu.Unlock()

	if len(out) == 0 {
		span.SetStatus(codes.Error, ErrNoRelays.Error())
		return nil, ErrNoRelays
	}
	span.SetAttributes(attribute.Int("nostr.relays", len(out)))

	for _, m := range s.flush(out) {
		pf.eose(m.conn.Address())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	timedOut := false
	select {
	case <-pf.done:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		err = ctx.Err()
	}

	var closes []outbound
	s.mu.Lock()
	delete(s.fetches, subID)
	for _, addr := range pf.pending() {
		if conn, ok := s.sockets[addr]; ok {
			closes = append(closes, outbound{conn: conn, subID: subID, close: true})
		}
	}
	s.mu.Unlock()
	s.flush(closes)

	events := pf.result()
	span.SetAttributes(
		attribute.Int("nostr.events", len(events)),
		attribute.Bool("nostr.timed_out", timedOut),
	)
	if timedOut {
		metrics.IncFetchTimeout()
		slog.Debug("fetch timed out", "sub_id", subID, "events", len(events), "pending_relays", len(closes))
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return events, err
}
