// Package store holds the observable result containers a query's events are
// merged into.
//
// Every store publishes an immutable Snapshot. Hooks are called with the new
// snapshot after every change (including clear and EOSE toggles); event hooks
// are called only with the events a batch actually accepted. Notifications of
// one store are serialised, so no hook ever sees an older snapshot after a newer
// one. Hooks must not add to the store that is calling them.
package store

import (
	"slices"
	"sync"

	"nostr-engine/internal/types"
)

// Snapshot is the published state of a store. It is never modified after
// it has been handed out.
type Snapshot struct {
	Events []types.Event
	EOSE   bool
}

// Hook is called with every new snapshot
type Hook func(*Snapshot)

// EventHook is called with the events a change accepted
type EventHook func([]types.Event)

// Release unregisters a hook. Calling it more than once is a no-op.
type Release func()

// NoteStore is the capability every result store variant implements
type NoteStore interface {
	// Add merges events into the store
	Add(events ...types.Event)
	// Clear drops all held events
	Clear()
	// EOSE sets the end-of-stored-events flag and publishes a snapshot
	EOSE(done bool)
	DidEOSE() bool
	Snapshot() *Snapshot
	Hook(fn Hook) Release
	OnEvent(fn EventHook) Release
}

// merger is the variant specific part of a store: it applies one event and
// reports whether it was accepted, and lists the held events.
type merger interface {
	accept(ev types.Event) bool
	reset()
	events() []types.Event
}

type registry[T any] struct {
	next  int
	order []int
	fns   map[int]T
}

func (r *registry[T]) add(fn T) int {
	if r.fns == nil {
		r.fns = make(map[int]T)
	}
	r.next++
	r.fns[r.next] = fn
	r.order = append(r.order, r.next)
	return r.next
}

func (r *registry[T]) remove(id int) {
	if _, ok := r.fns[id]; !ok {
		return
	}
	delete(r.fns, id)
	r.order = slices.DeleteFunc(r.order, func(v int) bool { return v == id })
}

func (r *registry[T]) list() []T {
	out := make([]T, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.fns[id])
	}
	return out
}

// hookedStore carries the snapshot, EOSE flag and hook registries shared by
// all variants.
type hookedStore struct {
	// notifyMu is held across mutate + notify so notifications stay ordered
	notifyMu sync.Mutex

	mu         sync.Mutex
	m          merger
	eose       bool
	snapshot   *Snapshot
	hooks      registry[Hook]
	eventHooks registry[EventHook]
}

func newHookedStore(m merger) hookedStore {
	return hookedStore{
		m:        m,
		snapshot: &Snapshot{},
	}
}

func (s *hookedStore) Add(events ...types.Event) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	var changes []types.Event
	for _, ev := range events {
		if s.m.accept(ev) {
			changes = append(changes, ev)
		}
	}
	if len(changes) == 0 {
		s.mu.Unlock()
		return
	}
	snap, hooks, eventHooks := s.publishLocked()
	s.mu.Unlock()

	notify(snap, hooks, eventHooks, changes)
}

func (s *hookedStore) Clear() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.m.reset()
	snap, hooks, _ := s.publishLocked()
	s.mu.Unlock()

	notify(snap, hooks, nil, nil)
}

func (s *hookedStore) EOSE(done bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.eose = done
	snap, hooks, _ := s.publishLocked()
	s.mu.Unlock()

	notify(snap, hooks, nil, nil)
}

func (s *hookedStore) DidEOSE() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eose
}

func (s *hookedStore) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *hookedStore) Hook(fn Hook) Release {
	s.mu.Lock()
	id := s.hooks.add(fn)
	s.mu.Unlock()

	return s.release(func() { s.hooks.remove(id) })
}

func (s *hookedStore) OnEvent(fn EventHook) Release {
	s.mu.Lock()
	id := s.eventHooks.add(fn)
	s.mu.Unlock()

	return s.release(func() { s.eventHooks.remove(id) })
}

func (s *hookedStore) release(remove func()) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			remove()
			s.mu.Unlock()
		})
	}
}

// publishLocked builds a new snapshot and returns it with the hooks to call.
// Caller holds s.mu.
func (s *hookedStore) publishLocked() (*Snapshot, []Hook, []EventHook) {
	s.snapshot = &Snapshot{
		Events: s.m.events(),
		EOSE:   s.eose,
	}
	return s.snapshot, s.hooks.list(), s.eventHooks.list()
}

func notify(snap *Snapshot, hooks []Hook, eventHooks []EventHook, changes []types.Event) {
	for _, h := range hooks {
		h(snap)
	}
	if len(changes) == 0 {
		return
	}
	for _, h := range eventHooks {
		h(changes)
	}
}
