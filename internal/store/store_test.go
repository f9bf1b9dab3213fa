package store

import (
	"sync"
	"testing"

	"nostr-engine/internal/types"
)

func ev(id string, createdAt int64) types.Event {
	return types.Event{ID: id, PubKey: "pk", CreatedAt: createdAt, Kind: 1}
}

func TestFlatOneEvent(t *testing.T) {
	s := NewFlatNoteStore()
	s.Add(ev("one", 1))

	snap := s.Snapshot()
	if len(snap.Events) != 1 || snap.Events[0].ID != "one" {
		t.Fatalf("unexpected snapshot: %+v", snap.Events)
	}
}

func TestFlatStillOneEvent(t *testing.T) {
	s := NewFlatNoteStore()
	s.Add(ev("one", 1))
	before := s.Snapshot()
	s.Add(ev("one", 1))

	after := s.Snapshot()
	if len(after.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(after.Events))
	}
	if before != after {
		t.Error("snapshot replaced although nothing was accepted")
	}
}

func TestFlatClears(t *testing.T) {
	s := NewFlatNoteStore()
	s.Add(ev("one", 1))
	s.Clear()

	if n := len(s.Snapshot().Events); n != 0 {
		t.Fatalf("expected empty snapshot, got %d events", n)
	}

	// ids are forgotten too
	s.Add(ev("one", 1))
	if n := len(s.Snapshot().Events); n != 1 {
		t.Errorf("expected re-add after clear, got %d events", n)
	}
}

func TestFlatKeepsInsertionOrder(t *testing.T) {
	s := NewFlatNoteStore()
	s.Add(ev("c", 3), ev("a", 1), ev("b", 2), ev("a", 1))

	var ids []string
	for _, e := range s.Snapshot().Events {
		ids = append(ids, e.ID)
	}
	if got := len(ids); got != 3 || ids[0] != "c" || ids[1] != "a" || ids[2] != "b" {
		t.Errorf("order = %v", ids)
	}
}

func TestFlatRejectsMalformed(t *testing.T) {
	s := NewFlatNoteStore()
	calls := 0
	s.Hook(func(*Snapshot) { calls++ })

	s.Add(types.Event{Kind: 1})
	if calls != 0 || len(s.Snapshot().Events) != 0 {
		t.Errorf("malformed event accepted (calls=%d)", calls)
	}
}

func TestPublishedSnapshotIsNotMutated(t *testing.T) {
	s := NewFlatNoteStore()
	s.Add(ev("one", 1))
	first := s.Snapshot()

	s.Add(ev("two", 2))
	if len(first.Events) != 1 {
		t.Errorf("earlier snapshot changed: %d events", len(first.Events))
	}
	if s.Snapshot() == first {
		t.Error("expected a new snapshot object")
	}
}

func TestReplaceable(t *testing.T) {
	t.Run("one event", func(t *testing.T) {
		s := NewReplaceableNoteStore()
		s.Add(ev("test", 69))
		got, ok := s.Event()
		if !ok || got.ID != "test" {
			t.Errorf("got %+v, %v", got, ok)
		}
	})

	t.Run("dont replace with older", func(t *testing.T) {
		s := NewReplaceableNoteStore()
		s.Add(ev("test", 69))
		s.Add(ev("test2", 68))
		if got, _ := s.Event(); got.ID != "test" {
			t.Errorf("held %s, want test", got.ID)
		}
	})

	t.Run("replace with newer", func(t *testing.T) {
		s := NewReplaceableNoteStore()
		s.Add(ev("test", 69))
		s.Add(ev("test2", 70))
		if got, _ := s.Event(); got.ID != "test2" {
			t.Errorf("held %s, want test2", got.ID)
		}
	})

	t.Run("tie does not replace", func(t *testing.T) {
		s := NewReplaceableNoteStore()
		s.Add(ev("test", 69))
		s.Add(ev("same-time", 69))
		if got, _ := s.Event(); got.ID != "test" {
			t.Errorf("held %s, want test", got.ID)
		}
	})

	t.Run("batch keeps newest", func(t *testing.T) {
		s := NewReplaceableNoteStore()
		var changes []types.Event
		s.OnEvent(func(evs []types.Event) { changes = evs })

		s.Add(ev("a", 10), ev("b", 30), ev("c", 20))
		if got, _ := s.Event(); got.ID != "b" {
			t.Errorf("held %s, want b", got.ID)
		}
		if len(changes) != 2 {
			t.Errorf("expected 2 accepted events, got %d", len(changes))
		}
	})
}

func TestKeyedReplaceable(t *testing.T) {
	s := NewPubkeyReplaceableNoteStore()
	alice := func(id string, ts int64) types.Event { return types.Event{ID: id, PubKey: "alice", CreatedAt: ts} }
	bob := func(id string, ts int64) types.Event { return types.Event{ID: id, PubKey: "bob", CreatedAt: ts} }

	s.Add(alice("a1", 69), bob("b1", 10))
	s.Add(alice("a0", 68), bob("b2", 11))
	s.Add(alice("a2", 69))

	if got, _ := s.Get("alice"); got.ID != "a1" {
		t.Errorf("alice holds %s, want a1", got.ID)
	}
	if got, _ := s.Get("bob"); got.ID != "b2" {
		t.Errorf("bob holds %s, want b2", got.ID)
	}

	snap := s.Snapshot()
	if len(snap.Events) != 2 || snap.Events[0].PubKey != "alice" || snap.Events[1].PubKey != "bob" {
		t.Errorf("snapshot = %+v", snap.Events)
	}
}

func TestParameterizedKey(t *testing.T) {
	s := NewParameterizedReplaceableNoteStore()
	s.Add(
		types.Event{ID: "1", PubKey: "pk", CreatedAt: 5, Tags: [][]string{{"d", "post-a"}}},
		types.Event{ID: "2", PubKey: "pk", CreatedAt: 4, Tags: [][]string{{"d", "post-b"}}},
		types.Event{ID: "3", PubKey: "pk", CreatedAt: 6, Tags: [][]string{{"d", "post-a"}}},
	)

	if got, _ := s.Get("pk-post-a"); got.ID != "3" {
		t.Errorf("post-a holds %s, want 3", got.ID)
	}
	if got, _ := s.Get("pk-post-b"); got.ID != "2" {
		t.Errorf("post-b holds %s, want 2", got.ID)
	}
}

func TestHooks(t *testing.T) {
	s := NewFlatNoteStore()

	var snaps []*Snapshot
	var changeSets [][]types.Event
	releaseHook := s.Hook(func(snap *Snapshot) { snaps = append(snaps, snap) })
	s.OnEvent(func(evs []types.Event) { changeSets = append(changeSets, evs) })

	s.Add(ev("one", 1), ev("two", 2))
	s.EOSE(true)
	s.Clear()

	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshot notifications, got %d", len(snaps))
	}
	if !snaps[1].EOSE || len(snaps[1].Events) != 2 {
		t.Errorf("EOSE snapshot = %+v", snaps[1])
	}
	if len(changeSets) != 1 || len(changeSets[0]) != 2 {
		t.Errorf("event hook calls = %v", changeSets)
	}
	if !s.DidEOSE() {
		t.Error("clear should not reset EOSE")
	}

	releaseHook()
	releaseHook()
	s.EOSE(false)
	if len(snaps) != 3 {
		t.Errorf("released hook still called")
	}
}

func TestReleaseOnlyRemovesOwnHook(t *testing.T) {
	s := NewFlatNoteStore()
	var a, b int
	relA := s.Hook(func(*Snapshot) { a++ })
	s.Hook(func(*Snapshot) { b++ })

	relA()
	s.EOSE(true)

	if a != 0 || b != 1 {
		t.Errorf("a=%d b=%d", a, b)
	}
}

func TestConcurrentAddsAreMonotonic(t *testing.T) {
	s := NewFlatNoteStore()

	var mu sync.Mutex
	last := 0
	regressed := false
	s.Hook(func(snap *Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(snap.Events) < last {
			regressed = true
		}
		last = len(snap.Events)
	})

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				// same ids from every "relay"
				s.Add(ev(string(rune('a'+i%26))+string(rune('a'+i/26)), int64(i+1)))
			}
		}(r)
	}
	wg.Wait()

	if regressed {
		t.Error("a hook observed an older snapshot after a newer one")
	}
	if n := len(s.Snapshot().Events); n != 50 {
		t.Errorf("expected 50 unique events, got %d", n)
	}
}

func TestVariantsImplementNoteStore(t *testing.T) {
	for _, s := range []NoteStore{
		NewFlatNoteStore(),
		NewReplaceableNoteStore(),
		NewPubkeyReplaceableNoteStore(),
		NewParameterizedReplaceableNoteStore(),
	} {
		s.EOSE(true)
		if !s.Snapshot().EOSE {
			t.Errorf("%T: EOSE flag not in snapshot", s)
		}
	}
}
