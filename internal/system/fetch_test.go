package system

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"nostr-engine/internal/filter"
	"nostr-engine/internal/store"
	"nostr-engine/internal/types"
)

// respondWith makes a fake relay answer every REQ with events and then EOSE
func respondWith(events ...types.Event) func(c *fakeConn, subID string, filters []types.Filter) {
	return func(c *fakeConn, subID string, filters []types.Filter) {
		for _, ev := range events {
			c.event(subID, ev)
		}
		c.eose(subID)
	}
}

func notesRequest() *filter.Request {
	req := filter.NewRequest("notes")
	req.WithFilter().Kinds(types.KindTextNote).Limit(10)
	return req
}

func queryNotes(s *System) *store.FlatNoteStore {
	return Query(s, store.NewFlatNoteStore, notesRequest())
}

func TestFetchMergesRelaysSeen(t *testing.T) {
	s, net, _ := newTestSystem(t)
	a := mustConnect(t, s, net, relayA, rw)
	b := mustConnect(t, s, net, relayB, rw)
	a.onReq = respondWith(note("e1", "alice", 1), note("e2", "alice", 2))
	b.onReq = respondWith(note("e2", "alice", 2), note("e3", "bob", 3))

	events, err := s.Fetch(context.Background(), notesRequest(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 unique events, got %d", len(events))
	}

	for _, ev := range events {
		if ev.ID == "e2" {
			seen := slices.Clone(ev.RelaysSeen)
			slices.Sort(seen)
			if !slices.Equal(seen, []string{relayA, relayB}) {
				t.Errorf("e2 seen on %v", seen)
			}
		}
	}

	reqs := a.messages("REQ")
	if len(reqs) != 1 || !strings.HasPrefix(reqs[0].subID, "notes:") || len(reqs[0].subID) != len("notes:")+8 {
		t.Errorf("fetch sub id = %v", a.subIDs("REQ"))
	}
	if closes := a.subIDs("CLOSE"); len(closes) != 1 || closes[0] != reqs[0].subID {
		t.Errorf("CLOSE after EOSE = %v", closes)
	}
	if st := s.Stats(); st.Fetches != 0 || len(st.Queries) != 0 {
		t.Errorf("fetch left state behind: %+v", st)
	}
}

func TestFetchTimeoutReturnsPartialResults(t *testing.T) {
	s, net, _ := newTestSystem(t)
	a := mustConnect(t, s, net, relayA, rw)
	b := mustConnect(t, s, net, relayB, rw)
	a.onReq = respondWith(note("e1", "alice", 1))
	// relay B sends an event but never EOSE
	b.onReq = func(c *fakeConn, subID string, _ []types.Filter) {
		c.event(subID, note("e2", "bob", 2))
	}

	start := time.Now()
	events, err := s.Fetch(context.Background(), notesRequest(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("timeout should not be an error, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("returned before the timeout")
	}
	if len(events) != 2 {
		t.Errorf("expected partial results from both relays, got %d", len(events))
	}
	if closes := b.messages("CLOSE"); len(closes) != 1 {
		t.Errorf("pending relay got %d CLOSE", len(closes))
	}
}

func TestFetchContextCancelled(t *testing.T) {
	s, net, _ := newTestSystem(t)
	mustConnect(t, s, net, relayA, rw)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Fetch(ctx, notesRequest(), time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestFetchWithoutRelays(t *testing.T) {
	s, _, _ := newTestSystem(t)
	if _, err := s.Fetch(context.Background(), notesRequest(), time.Second); !errors.Is(err, ErrNoRelays) {
		t.Errorf("err = %v", err)
	}
	if events, err := s.Fetch(context.Background(), nil, time.Second); events != nil || err != nil {
		t.Errorf("nil request = %v, %v", events, err)
	}
}

func TestFetchDoesNotTouchQueries(t *testing.T) {
	s, net, _ := newTestSystem(t)
	a := mustConnect(t, s, net, relayA, rw)
	a.onReq = func(c *fakeConn, subID string, _ []types.Filter) {
		if strings.HasPrefix(subID, "notes:") {
			c.event(subID, note("f1", "alice", 1))
			c.eose(subID)
		}
	}

	live := queryNotes(s)
	if _, err := s.Fetch(context.Background(), notesRequest(), time.Second); err != nil {
		t.Fatal(err)
	}
	if n := len(live.Snapshot().Events); n != 0 {
		t.Errorf("fetch leaked %d events into the live query", n)
	}
}
