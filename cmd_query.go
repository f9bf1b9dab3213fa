package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"nostr-engine/internal/filter"
	"nostr-engine/internal/store"
	"nostr-engine/internal/system"
	"nostr-engine/internal/types"
)

// filterFlags describe a single filter on the command line
type filterFlags struct {
	ids     []string
	authors []string
	kinds   []int
	tags    []string // name=value
	since   int64
	until   int64
	limit   int
	search  string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringSliceVar(&f.ids, "id", nil, "event id (hex or note1)")
	fl.StringSliceVar(&f.authors, "author", nil, "author pubkey (hex or npub1)")
	fl.IntSliceVar(&f.kinds, "kind", nil, "event kind")
	fl.StringSliceVar(&f.tags, "tag", nil, "tag filter as name=value, e.g. t=nostr")
	fl.Int64Var(&f.since, "since", 0, "unix timestamp lower bound")
	fl.Int64Var(&f.until, "until", 0, "unix timestamp upper bound")
	fl.IntVar(&f.limit, "limit", 0, "maximum events per relay")
	fl.StringVar(&f.search, "search", "", "NIP-50 search term")
}

func (f *filterFlags) request(id string) (*filter.Request, error) {
	req := filter.NewRequest(id)
	b := req.WithFilter()

	if len(f.ids) > 0 {
		ids, err := decodeAll(f.ids, "note")
		if err != nil {
			return nil, err
		}
		b.IDs(ids...)
	}
	if len(f.authors) > 0 {
		authors, err := decodeAll(f.authors, "npub")
		if err != nil {
			return nil, err
		}
		b.Authors(authors...)
	}
	if len(f.kinds) > 0 {
		b.Kinds(f.kinds...)
	}
	for _, t := range f.tags {
		name, value, ok := strings.Cut(t, "=")
		if !ok || len(name) != 1 {
			return nil, fmt.Errorf("invalid tag filter %q", t)
		}
		b.Tag(name, value)
	}
	if f.since > 0 {
		b.Since(f.since)
	}
	if f.until > 0 {
		b.Until(f.until)
	}
	if f.limit > 0 {
		b.Limit(f.limit)
	}
	if f.search != "" {
		b.Search(f.search)
	}
	return req, nil
}

var (
	queryFilter filterFlags
	queryWait   time.Duration
	queryFollow time.Duration
)

func init() {
	queryFilter.register(queryCmd)
	queryCmd.Flags().DurationVar(&queryWait, "wait", 10*time.Second, "give up waiting for EOSE after this long")
	queryCmd.Flags().DurationVar(&queryFollow, "follow", 0, "after EOSE, re-run the query for newer events at this interval (0 exits at EOSE)")
	rootCmd.AddCommand(queryCmd)
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Run a subscription and print matching events",
	RunE:  runQuery,
}

// collector buffers what a store delivers so it can be printed from another
// goroutine. Events already in the store when it attaches are included.
type collector struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	pending []types.Event

	wake chan struct{}
	eose chan struct{}

	release []store.Release
}

func newCollector(st store.NoteStore) *collector {
	c := &collector{
		seen: make(map[string]struct{}),
		wake: make(chan struct{}, 1),
		eose: make(chan struct{}, 1),
	}
	c.release = append(c.release,
		st.OnEvent(c.add),
		st.Hook(func(snap *store.Snapshot) {
			if snap.EOSE {
				notifyCh(c.eose)
			}
		}),
	)

	// anything delivered before the hooks were attached
	snap := st.Snapshot()
	c.add(snap.Events)
	if snap.EOSE {
		notifyCh(c.eose)
	}
	return c
}

func notifyCh(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *collector) add(evs []types.Event) {
	c.mu.Lock()
	added := false
	for _, ev := range evs {
		if _, ok := c.seen[ev.ID]; ok {
			continue
		}
		c.seen[ev.ID] = struct{}{}
		c.pending = append(c.pending, ev)
		added = true
	}
	c.mu.Unlock()
	if added {
		notifyCh(c.wake)
	}
}

// take returns and forgets the buffered events
func (c *collector) take() []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	evs := c.pending
	c.pending = nil
	return evs
}

func (c *collector) Close() {
	for _, r := range c.release {
		r()
	}
}

func runQuery(cmd *cobra.Command, args []string) error {
	req, err := queryFilter.request("cli")
	if err != nil {
		return err
	}

	e, err := startEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	started := time.Now()
	st := system.Query(e.sys, store.NewFlatNoteStore, req)
	defer e.sys.CancelQuery(req.ID)

	c := newCollector(st)
	defer c.Close()

	drain := func() error { return printEvents(c.take()) }

	timeout := time.After(queryWait)
	var poll <-chan time.Time
	for {
		select {
		case <-c.wake:
			if err := drain(); err != nil {
				return err
			}
		case <-c.eose:
			if queryFollow <= 0 {
				return drain()
			}
			// relays close the subscription at EOSE; ask again later
			timeout = nil
			if poll == nil {
				poll = time.After(queryFollow)
			}
		case <-poll:
			poll = time.After(queryFollow)
			queryFilter.since = started.Unix()
			next, err := queryFilter.request(req.ID)
			if err != nil {
				return err
			}
			started = time.Now()
			system.Query(e.sys, store.NewFlatNoteStore, next)
		case <-timeout:
			return drain()
		case <-cmd.Context().Done():
			return drain()
		}
	}
}
