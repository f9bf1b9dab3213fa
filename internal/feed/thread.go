// Package feed builds application level views on top of the query engine: a
// thread that follows reply chains, and a paged author timeline.
package feed

import (
	"slices"
	"sync"
	"time"

	"nostr-engine/internal/filter"
	"nostr-engine/internal/store"
	"nostr-engine/internal/system"
	"nostr-engine/internal/types"
	"nostr-engine/internal/util"
)

// ThreadOptions tune a Thread
type ThreadOptions struct {
	Reactions bool          // also follow reactions and reposts
	Debounce  time.Duration // quiet period before missing parents are requested
}

// DefaultThreadOptions returns sensible defaults
func DefaultThreadOptions() ThreadOptions {
	return ThreadOptions{Reactions: true, Debounce: 500 * time.Millisecond}
}

// Thread keeps a query for a note, everything referencing it and every note
// those reference in turn. New e tags found in the results grow the tracked
// id list, which the engine sends as a subquery.
type Thread struct {
	sys  *system.System
	id   string
	opts ThreadOptions

	mu       sync.Mutex
	tracking []string
	closed   bool

	store   *store.FlatNoteStore
	release store.Release
	trigger func()
	stop    func()
}

// NewThread starts following the thread around note id
func NewThread(sys *system.System, id string, opts ThreadOptions) *Thread {
	t := &Thread{
		sys:      sys,
		id:       id,
		opts:     opts,
		tracking: []string{id},
	}
	t.trigger, t.stop = util.Debounce(opts.Debounce, t.expand)
	t.store = system.Query(sys, store.NewFlatNoteStore, t.request())
	t.release = t.store.Hook(func(*store.Snapshot) { t.trigger() })
	return t
}

// RequestID is the logical query id of a thread: "thread:" + the first 8
// characters of the note id
func RequestID(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return "thread:" + id
}

func (t *Thread) kinds() []int {
	if t.opts.Reactions {
		return []int{types.KindReaction, types.KindTextNote, types.KindRepost, types.KindZapReceipt}
	}
	return []int{types.KindTextNote, types.KindZapReceipt}
}

// request builds the thread query from the tracked ids. Caller holds t.mu or
// is the constructor.
func (t *Thread) request() *filter.Request {
	req := filter.NewRequest(RequestID(t.id))
	req.WithFilter().IDs(t.tracking...)
	req.WithFilter().Kinds(t.kinds()...).Tag("e", t.tracking...)
	return req
}

// expand looks for e tags pointing at notes not yet in the store and adds
// them to the tracked ids
func (t *Thread) expand() {
	snap := t.store.Snapshot()

	var notes []types.Event
	have := make(map[string]struct{})
	for _, ev := range snap.Events {
		if ev.Kind == types.KindTextNote {
			notes = append(notes, ev)
			have[ev.ID] = struct{}{}
		}
	}

	var missing []string
	for _, ev := range notes {
		for _, ref := range util.GetTagValues(ev.Tags, "e") {
			if _, ok := have[ref]; !ok {
				missing = append(missing, ref)
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	next := util.AppendDedupe(t.tracking, missing)
	if len(next) == len(t.tracking) {
		return
	}
	t.tracking = next
	system.Query(t.sys, store.NewFlatNoteStore, t.request())
}

// Store is the live result store of the thread
func (t *Thread) Store() *store.FlatNoteStore {
	return t.store
}

// Tracking returns the ids the thread currently follows
func (t *Thread) Tracking() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.tracking)
}

// Close stops following the thread; the engine closes the query after its
// cancel grace period
func (t *Thread) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.release()
	t.stop()
	t.sys.CancelQuery(RequestID(t.id))
}
