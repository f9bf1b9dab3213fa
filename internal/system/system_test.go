package system

import (
	"slices"
	"testing"
	"time"

	"nostr-engine/internal/filter"
	"nostr-engine/internal/store"
	"nostr-engine/internal/types"
)

const (
	relayA = "wss://relay-a.example.com"
	relayB = "wss://relay-b.example.com"
)

func profilesRequest(authors ...string) *filter.Request {
	req := filter.NewRequest("profiles")
	req.WithFilter().Kinds(0).Authors(authors...)
	return req
}

func TestQueryNilRequest(t *testing.T) {
	s, net, _ := newTestSystem(t)
	a := mustConnect(t, s, net, relayA, rw)

	st := Query(s, store.NewFlatNoteStore, nil)
	if st == nil {
		t.Fatal("expected a store")
	}
	if len(a.messages("REQ")) != 0 {
		t.Error("nil request reached the wire")
	}
	if len(s.Stats().Queries) != 0 {
		t.Error("nil request registered a query")
	}
}

func TestQuerySendsToReadableRelays(t *testing.T) {
	s, net, _ := newTestSystem(t)
	a := mustConnect(t, s, net, relayA, rw)
	b := mustConnect(t, s, net, relayB, types.RelaySettings{Write: true})

	Query(s, store.NewPubkeyReplaceableNoteStore, profilesRequest("alice"))

	reqs := a.messages("REQ")
	if len(reqs) != 1 || reqs[0].subID != "profiles" {
		t.Fatalf("relay A got %v", a.subIDs("REQ"))
	}
	if !filter.Equal(reqs[0].filters, []types.Filter{{Kinds: []int{0}, Authors: []string{"alice"}}}) {
		t.Errorf("filters = %v", reqs[0].filters)
	}
	if n := len(b.messages("REQ")); n != 0 {
		t.Errorf("write-only relay got %d REQs", n)
	}
}

func TestQueryUnchangedIsNoop(t *testing.T) {
	s, net, _ := newTestSystem(t)
	a := mustConnect(t, s, net, relayA, rw)

	first := Query(s, store.NewPubkeyReplaceableNoteStore, profilesRequest("alice"))
	second := Query(s, store.NewPubkeyReplaceableNoteStore, profilesRequest("alice"))

	if first != second {
		t.Error("same id returned a different store")
	}
	if n := len(a.messages("REQ")); n != 1 {
		t.Errorf("expected 1 REQ, got %d", n)
	}
}

func TestQuerySpawnsSubqueries(t *testing.T) {
	s, net, _ := newTestSystem(t)
	a := mustConnect(t, s, net, relayA, rw)

	st := Query(s, store.NewPubkeyReplaceableNoteStore, profilesRequest("alice"))
	a.eose("profiles")
	if !st.DidEOSE() {
		t.Fatal("EOSE not applied")
	}

	Query(s, store.NewPubkeyReplaceableNoteStore, profilesRequest("alice", "bob"))
	Query(s, store.NewPubkeyReplaceableNoteStore, profilesRequest("alice", "bob", "carol"))

	if got := a.subIDs("REQ"); !slices.Equal(got, []string{"profiles", "profiles-1", "profiles-2"}) {
		t.Fatalf("REQ ids = %v", got)
	}
	reqs := a.messages("REQ")
	if !filter.Equal(reqs[1].filters, []types.Filter{{Kinds: []int{0}, Authors: []string{"bob"}}}) {
		t.Errorf("first delta = %v", reqs[1].filters)
	}
	if !filter.Equal(reqs[2].filters, []types.Filter{{Kinds: []int{0}, Authors: []string{"carol"}}}) {
		t.Errorf("second delta = %v", reqs[2].filters)
	}
	if st.DidEOSE() {
		t.Error("subquery should reset EOSE")
	}

	q, ok := s.GetQuery("profiles")
	if !ok {
		t.Fatal("query missing")
	}
	if len(q.SubQueries) != 2 || q.SubQueries[0].ID != "profiles-1" {
		t.Errorf("subqueries = %+v", q.SubQueries)
	}
	want := []types.Filter{{Kinds: []int{0}, Authors: []string{"alice", "bob", "carol"}}}
	if !filter.Equal(q.Filters, want) {
		t.Errorf("parent filters = %v", q.Filters)
	}
}

func TestQueryCriticalChangeResendsUnderParentID(t *testing.T) {
	s, net, _ := newTestSystem(t)
	a := mustConnect(t, s, net, relayA, rw)

	build := func(since int64) *filter.Request {
		req := filter.NewRequest("timeline")
		req.WithFilter().Kinds(1).Authors("alice").Since(since)
		return req
	}

	Query(s, store.NewFlatNoteStore, build(100))
	Query(s, store.NewFlatNoteStore, build(50))

	if got := a.subIDs("REQ"); !slices.Equal(got, []string{"timeline", "timeline"}) {
		t.Fatalf("REQ ids = %v", got)
	}
	q, _ := s.GetQuery("timeline")
	if len(q.SubQueries) != 0 || *q.Filters[0].Since != 50 {
		t.Errorf("query = %+v", q)
	}
}

func TestQueryStoreTypeMismatchPanics(t *testing.T) {
	s, _, _ := newTestSystem(t)
	Query(s, store.NewFlatNoteStore, profilesRequest("alice"))

	defer func() {
		if recover() == nil {
			t.Error("expected panic for mismatched store type")
		}
	}()
	Query(s, store.NewReplaceableNoteStore, profilesRequest("alice"))
}

func TestQueryAsNoteStoreInterface(t *testing.T) {
	s, _, _ := newTestSystem(t)
	newStore := func() store.NoteStore { return store.NewFlatNoteStore() }

	a := Query(s, newStore, profilesRequest("alice"))
	b := Query(s, newStore, profilesRequest("alice"))
	if a != b {
		t.Error("interface typed query returned a different store")
	}
}

func TestEventRouting(t *testing.T) {
	s, net, _ := newTestSystem(t)
	a := mustConnect(t, s, net, relayA, rw)

	feed := Query(s, store.NewFlatNoteStore, profilesRequest("alice"))
	Query(s, store.NewFlatNoteStore, profilesRequest("alice", "bob"))

	dashed := filter.NewRequest("thread-x")
	dashed.WithFilter().Kinds(1)
	other := Query(s, store.NewFlatNoteStore, dashed)

	a.event("profiles", note("e1", "alice", 10))
	a.event("profiles-1", note("e2", "bob", 11))
	a.event("thread-x", note("e3", "carol", 12))
	a.event("unknown", note("e4", "dave", 13))
	a.event("nothing-1", note("e5", "erin", 14))

	if n := len(feed.Snapshot().Events); n != 2 {
		t.Errorf("profiles store has %d events, want 2", n)
	}
	if evs := other.Snapshot().Events; len(evs) != 1 || evs[0].ID != "e3" {
		t.Errorf("dashed id store = %v", evs)
	}
}

func TestEOSEClosesWireIDOnReportingRelay(t *testing.T) {
	s, net, clock := newTestSystem(t)
	a := mustConnect(t, s, net, relayA, rw)
	b := mustConnect(t, s, net, relayB, rw)

	st := Query(s, store.NewFlatNoteStore, profilesRequest("alice"))
	Query(s, store.NewFlatNoteStore, profilesRequest("alice", "bob"))

	clock.advance(2 * time.Second)
	a.eose("profiles-1")

	if got := a.subIDs("CLOSE"); !slices.Equal(got, []string{"profiles-1"}) {
		t.Errorf("relay A CLOSE = %v", got)
	}
	if n := len(b.messages("CLOSE")); n != 0 {
		t.Errorf("relay B got %d CLOSE", n)
	}
	if !st.DidEOSE() {
		t.Error("store EOSE not set")
	}

	q, _ := s.GetQuery("profiles")
	if ms := clock.now().UnixMilli(); q.SubQueries[0].Finished != ms || q.Finished != ms {
		t.Errorf("Finished not stamped: parent=%v sub=%v", q.Finished, q.SubQueries[0].Finished)
	}
}

func TestCancelGraceAndReap(t *testing.T) {
	s, net, clock := newTestSystem(t)
	a := mustConnect(t, s, net, relayA, rw)
	b := mustConnect(t, s, net, relayB, types.RelaySettings{Write: true})

	first := Query(s, store.NewFlatNoteStore, profilesRequest("alice"))
	Query(s, store.NewFlatNoteStore, profilesRequest("alice", "bob"))

	s.CancelQuery("profiles")
	clock.advance(4 * time.Second)
	s.reap()
	if _, ok := s.GetQuery("profiles"); !ok {
		t.Fatal("query reaped before its grace period")
	}

	// revived by a new Query call
	if again := Query(s, store.NewFlatNoteStore, profilesRequest("alice", "bob")); again != first {
		t.Error("revived query returned a new store")
	}
	if n := len(a.messages("REQ")); n != 2 {
		t.Errorf("revive with the same filters sent REQs again: %d total", n)
	}
	if q, _ := s.GetQuery("profiles"); q.Closing {
		t.Error("revived query is still closing")
	}
	clock.advance(10 * time.Second)
	s.reap()
	if _, ok := s.GetQuery("profiles"); !ok {
		t.Fatal("revived query was reaped")
	}

	s.CancelQuery("profiles")
	clock.advance(5 * time.Second)
	s.reap()

	if _, ok := s.GetQuery("profiles"); ok {
		t.Fatal("query not reaped")
	}
	got := a.subIDs("CLOSE")
	slices.Sort(got)
	if !slices.Equal(got, []string{"profiles", "profiles-1"}) {
		t.Errorf("CLOSE ids = %v", got)
	}
	if n := len(b.messages("CLOSE")); n != 0 {
		t.Errorf("relay that never got the REQ received %d CLOSE", n)
	}

	fresh := Query(s, store.NewFlatNoteStore, profilesRequest("alice"))
	if fresh == first {
		t.Error("reaped query store was reused")
	}
}

func TestCancelAgainMovesDeadline(t *testing.T) {
	s, _, clock := newTestSystem(t)
	Query(s, store.NewFlatNoteStore, profilesRequest("alice"))

	s.CancelQuery("profiles")
	clock.advance(3 * time.Second)
	s.CancelQuery("profiles")
	clock.advance(3 * time.Second)
	s.reap()

	q, ok := s.GetQuery("profiles")
	if !ok {
		t.Fatal("second cancel did not move the deadline")
	}
	if !q.Closing {
		t.Error("query should still be closing")
	}

	s.CancelQuery("missing")
}

func TestReaperLoopRuns(t *testing.T) {
	net := newFakeNet()
	cfg := DefaultConfig()
	cfg.CancelGrace = 10 * time.Millisecond
	cfg.ReaperInterval = 5 * time.Millisecond
	s := New(cfg, net.dial, nil)
	s.Start()
	defer s.Stop()

	Query(s, store.NewFlatNoteStore, profilesRequest("alice"))
	s.CancelQuery("profiles")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.GetQuery("profiles"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("reaper loop never removed the query")
}

func TestStats(t *testing.T) {
	s, net, _ := newTestSystem(t)
	a := mustConnect(t, s, net, relayA, rw)

	Query(s, store.NewFlatNoteStore, profilesRequest("alice"))
	Query(s, store.NewFlatNoteStore, profilesRequest("alice", "bob"))
	a.event("profiles", note("e1", "alice", 1))
	s.CancelQuery("profiles")
	s.TrackMetadata("alice")

	st := s.Stats()
	if len(st.Queries) != 1 {
		t.Fatalf("queries = %+v", st.Queries)
	}
	q := st.Queries[0]
	if q.ID != "profiles" || !q.Closing || q.Events != 1 || len(q.SubQueries) != 1 {
		t.Errorf("query info = %+v", q)
	}
	if len(q.SentTo) != 1 || q.SentTo[0] != relayA {
		t.Errorf("sent to = %v", q.SentTo)
	}
	if len(st.Relays) != 1 || !st.Relays[0].Connected || st.TrackedPubkeys != 1 {
		t.Errorf("stats = %+v", st)
	}

	g := s.Gauges()
	if g.QueriesActive != 1 || g.QueriesClosing != 1 || g.RelaysConnected != 1 {
		t.Errorf("gauges = %+v", g)
	}
}

func TestGetQueryReturnsACopy(t *testing.T) {
	s, net, _ := newTestSystem(t)
	a := mustConnect(t, s, net, relayA, rw)
	Query(s, store.NewFlatNoteStore, profilesRequest("alice"))

	q, ok := s.GetQuery("profiles")
	if !ok {
		t.Fatal("query missing")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.eose("profiles")
		Query(s, store.NewFlatNoteStore, profilesRequest("alice", "bob"))
	}()
	for i := 0; i < 100; i++ {
		_ = q.Finished
		_ = len(q.SubQueries)
		_ = len(q.Filters)
	}
	<-done

	if q.Finished != 0 || len(q.SubQueries) != 0 || len(q.Filters[0].Authors) != 1 {
		t.Errorf("copy changed under the caller: %+v", q)
	}
	now, _ := s.GetQuery("profiles")
	if len(now.SubQueries) != 1 || len(now.Filters[0].Authors) != 2 {
		t.Errorf("live state = %+v", now)
	}
}

func TestEOSEForUnknownSubqueryIsIgnored(t *testing.T) {
	s, net, clock := newTestSystem(t)
	a := mustConnect(t, s, net, relayA, rw)
	st := Query(s, store.NewFlatNoteStore, profilesRequest("alice"))

	a.eose("profiles-7")

	q, _ := s.GetQuery("profiles")
	if q.Finished != 0 || st.DidEOSE() {
		t.Errorf("stray EOSE finished the parent: %+v", q)
	}
	if !slices.Equal(q.SentTo, []string{relayA}) {
		t.Errorf("sent to = %v", q.SentTo)
	}
	if n := len(a.messages("CLOSE")); n != 0 {
		t.Errorf("stray EOSE sent %d CLOSE", n)
	}

	s.CancelQuery("profiles")
	clock.advance(5 * time.Second)
	s.reap()
	if got := a.subIDs("CLOSE"); !slices.Equal(got, []string{"profiles"}) {
		t.Errorf("reaper CLOSE = %v", got)
	}
}
