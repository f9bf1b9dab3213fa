package feed

import (
	"sort"
	"sync"
	"time"

	"nostr-engine/internal/filter"
	"nostr-engine/internal/store"
	"nostr-engine/internal/system"
	"nostr-engine/internal/types"
)

// TimelineWindow is a [Since, Until] range in unix seconds that pages back in
// steps of Window
type TimelineWindow struct {
	Now    int64
	Window int64
	Since  int64
	Until  int64
}

// NewTimelineWindow starts a window ending at now. A zero window is one hour.
func NewTimelineWindow(now time.Time, window time.Duration) *TimelineWindow {
	if window <= 0 {
		window = time.Hour
	}
	w := int64(window / time.Second)
	n := now.Unix()
	return &TimelineWindow{Now: n, Window: w, Since: n - w, Until: n}
}

// Older moves the window one step into the past
func (w *TimelineWindow) Older() {
	w.Since -= w.Window
	w.Until -= w.Window
}

// TimelineConfig holds the shape of a timeline
type TimelineConfig struct {
	ID        string
	Authors   []string // empty means global
	Kinds     []int
	MaxEvents int  // events kept in the sorted view
	Replies   bool // keep notes that reply to another note
}

// DefaultTimelineConfig returns sensible defaults
func DefaultTimelineConfig() TimelineConfig {
	return TimelineConfig{
		ID:        "timeline",
		Kinds:     []int{types.KindTextNote, types.KindRepost},
		MaxEvents: 500,
	}
}

// Timeline is a paged query over a TimelineWindow. Accepted events are kept in
// a newest-first view capped at MaxEvents.
type Timeline struct {
	sys    *system.System
	cfg    TimelineConfig
	window *TimelineWindow

	mu     sync.RWMutex
	events []types.Event
	index  map[string]struct{}

	store   *store.FlatNoteStore
	release store.Release
}

// NewTimeline subscribes to the first window
func NewTimeline(sys *system.System, cfg TimelineConfig, window *TimelineWindow) *Timeline {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultTimelineConfig().MaxEvents
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = DefaultTimelineConfig().Kinds
	}
	t := &Timeline{
		sys:    sys,
		cfg:    cfg,
		window: window,
		index:  make(map[string]struct{}),
	}
	t.store = system.Query(sys, store.NewFlatNoteStore, t.request())
	t.release = t.store.OnEvent(t.addEvents)
	t.addEvents(t.store.Snapshot().Events)
	return t
}

func (t *Timeline) request() *filter.Request {
	req := filter.NewRequest(t.cfg.ID)
	b := req.WithFilter().Kinds(t.cfg.Kinds...).Since(t.window.Since).Until(t.window.Until)
	if len(t.cfg.Authors) > 0 {
		b.Authors(t.cfg.Authors...)
	}
	return req
}

// Older pages the window back. The changed bounds replace the subscription
// filters; events already received stay in the view.
func (t *Timeline) Older() {
	t.mu.Lock()
	t.window.Older()
	req := t.request()
	t.mu.Unlock()
	system.Query(t.sys, store.NewFlatNoteStore, req)
}

// Window returns a copy of the current window
func (t *Timeline) Window() TimelineWindow {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return *t.window
}

func isReply(evt types.Event) bool {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			return true
		}
	}
	return false
}

// addEvents inserts events in sorted order (newest first) and enforces the cap
func (t *Timeline) addEvents(evs []types.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, evt := range evs {
		if _, ok := t.index[evt.ID]; ok {
			continue
		}
		if !t.cfg.Replies && evt.Kind != types.KindRepost && isReply(evt) {
			continue
		}
		t.index[evt.ID] = struct{}{}

		idx := sort.Search(len(t.events), func(i int) bool {
			return t.events[i].CreatedAt < evt.CreatedAt
		})
		t.events = append(t.events, types.Event{})
		copy(t.events[idx+1:], t.events[idx:])
		t.events[idx] = evt

		if len(t.events) > t.cfg.MaxEvents {
			oldest := t.events[len(t.events)-1]
			t.events = t.events[:len(t.events)-1]
			delete(t.index, oldest.ID)
		}
	}
}

// Events returns up to limit events, newest first. A limit of zero returns all.
func (t *Timeline) Events(limit int) []types.Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.Event, n)
	copy(out, t.events[:n])
	return out
}

// Store is the underlying live result store
func (t *Timeline) Store() *store.FlatNoteStore {
	return t.store
}

// Close releases the view and cancels the query
func (t *Timeline) Close() {
	t.release()
	t.sys.CancelQuery(t.cfg.ID)
}
