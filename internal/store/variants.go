package store

import (
	"slices"

	"nostr-engine/internal/nostr"
	"nostr-engine/internal/types"
	"nostr-engine/internal/util"
)

// FlatNoteStore is an insertion ordered list of events without duplicates
type FlatNoteStore struct {
	hookedStore
}

type flatMerger struct {
	list []types.Event
	ids  map[string]struct{}
}

// NewFlatNoteStore creates an empty flat store
func NewFlatNoteStore() *FlatNoteStore {
	return &FlatNoteStore{hookedStore: newHookedStore(&flatMerger{ids: make(map[string]struct{})})}
}

func (f *flatMerger) accept(ev types.Event) bool {
	if !nostr.ValidShape(&ev) {
		return false
	}
	if _, ok := f.ids[ev.ID]; ok {
		return false
	}
	f.ids[ev.ID] = struct{}{}
	f.list = append(f.list, ev)
	return true
}

func (f *flatMerger) reset() {
	f.list = nil
	f.ids = make(map[string]struct{})
}

func (f *flatMerger) events() []types.Event {
	return slices.Clone(f.list)
}

// ReplaceableNoteStore holds at most one event: the newest seen
type ReplaceableNoteStore struct {
	hookedStore
}

type replaceableMerger struct {
	held *types.Event
}

// NewReplaceableNoteStore creates an empty single-event store
func NewReplaceableNoteStore() *ReplaceableNoteStore {
	return &ReplaceableNoteStore{hookedStore: newHookedStore(&replaceableMerger{})}
}

func (r *replaceableMerger) accept(ev types.Event) bool {
	if !nostr.ValidShape(&ev) {
		return false
	}
	var existing int64
	if r.held != nil {
		existing = r.held.CreatedAt
	}
	if ev.CreatedAt <= existing {
		return false
	}
	r.held = &ev
	return true
}

func (r *replaceableMerger) reset() {
	r.held = nil
}

func (r *replaceableMerger) events() []types.Event {
	if r.held == nil {
		return nil
	}
	return []types.Event{*r.held}
}

// Event returns the held event from the current snapshot, if any
func (s *ReplaceableNoteStore) Event() (types.Event, bool) {
	snap := s.Snapshot()
	if len(snap.Events) == 0 {
		return types.Event{}, false
	}
	return snap.Events[0], true
}

// KeyFunc derives the replacement key of an event
type KeyFunc func(ev types.Event) string

// KeyedReplaceableNoteStore keeps the newest event per key. Snapshot order is
// the order in which keys were first seen.
type KeyedReplaceableNoteStore struct {
	hookedStore
}

type keyedMerger struct {
	keyFn  KeyFunc
	keys   []string
	latest map[string]types.Event
}

// NewKeyedReplaceableNoteStore creates a store keyed by keyFn
func NewKeyedReplaceableNoteStore(keyFn KeyFunc) *KeyedReplaceableNoteStore {
	return &KeyedReplaceableNoteStore{hookedStore: newHookedStore(&keyedMerger{
		keyFn:  keyFn,
		latest: make(map[string]types.Event),
	})}
}

// NewPubkeyReplaceableNoteStore keeps the newest event per author (profiles, contact lists)
func NewPubkeyReplaceableNoteStore() *KeyedReplaceableNoteStore {
	return NewKeyedReplaceableNoteStore(PubkeyKey)
}

// NewParameterizedReplaceableNoteStore keeps the newest event per author and d tag
func NewParameterizedReplaceableNoteStore() *KeyedReplaceableNoteStore {
	return NewKeyedReplaceableNoteStore(ParameterizedKey)
}

// PubkeyKey keys an event by its author
func PubkeyKey(ev types.Event) string {
	return ev.PubKey
}

// ParameterizedKey keys an event by "<pubkey>-<d tag>"
func ParameterizedKey(ev types.Event) string {
	return ev.PubKey + "-" + util.GetTagValue(ev.Tags, "d")
}

func (k *keyedMerger) accept(ev types.Event) bool {
	if !nostr.ValidShape(&ev) {
		return false
	}
	key := k.keyFn(ev)
	existing, seen := k.latest[key]
	if ev.CreatedAt <= existing.CreatedAt {
		return false
	}
	if !seen {
		k.keys = append(k.keys, key)
	}
	k.latest[key] = ev
	return true
}

func (k *keyedMerger) reset() {
	k.keys = nil
	k.latest = make(map[string]types.Event)
}

func (k *keyedMerger) events() []types.Event {
	out := make([]types.Event, 0, len(k.keys))
	for _, key := range k.keys {
		out = append(out, k.latest[key])
	}
	return out
}

// Get returns the newest event held for key
func (s *KeyedReplaceableNoteStore) Get(key string) (types.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.m.(*keyedMerger).latest[key]
	return ev, ok
}
