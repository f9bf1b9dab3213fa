package system

import (
	"context"
	"sync"
	"testing"
	"time"

	"nostr-engine/internal/relay"
	"nostr-engine/internal/types"
)

type sentMsg struct {
	kind    string // REQ, CLOSE or EVENT
	subID   string
	filters []types.Filter
	event   types.Event
}

// fakeConn is an in-memory Connection. Tests drive inbound traffic through
// event, eose and fireConnected.
type fakeConn struct {
	addr      string
	ephemeral bool

	mu         sync.Mutex
	settings   types.RelaySettings
	connected  bool
	closed     bool
	handlers   relay.Handlers
	sent       []sentMsg
	connectErr error
	publishErr error

	// onReq runs after a REQ is recorded, outside the fake's lock
	onReq func(c *fakeConn, subID string, filters []types.Filter)
}

func (c *fakeConn) Address() string { return c.addr }

func (c *fakeConn) Ephemeral() bool { return c.ephemeral }

func (c *fakeConn) Settings() types.RelaySettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *fakeConn) SetSettings(s types.RelaySettings) {
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) SetHandlers(h relay.Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

func (c *fakeConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connectErr != nil {
		c.mu.Unlock()
		return c.connectErr
	}
	c.connected = true
	c.mu.Unlock()
	c.fireConnected(false)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SendReq(subID string, filters []types.Filter) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return relay.ErrNotConnected
	}
	if !c.settings.Read {
		c.mu.Unlock()
		return relay.ErrNotReadable
	}
	c.sent = append(c.sent, sentMsg{kind: "REQ", subID: subID, filters: filters})
	onReq := c.onReq
	c.mu.Unlock()

	if onReq != nil {
		onReq(c, subID, filters)
	}
	return nil
}

func (c *fakeConn) SendClose(subID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return relay.ErrNotConnected
	}
	c.sent = append(c.sent, sentMsg{kind: "CLOSE", subID: subID})
	return nil
}

func (c *fakeConn) SendEvent(ev types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return relay.ErrNotConnected
	}
	if !c.settings.Write {
		return relay.ErrNotWritable
	}
	c.sent = append(c.sent, sentMsg{kind: "EVENT", event: ev})
	return nil
}

func (c *fakeConn) Publish(ctx context.Context, ev types.Event) error {
	if err := c.SendEvent(ev); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publishErr
}

func (c *fakeConn) event(subID string, ev types.Event) {
	c.mu.Lock()
	h := c.handlers.OnEvent
	c.mu.Unlock()
	ev.RelaysSeen = []string{c.addr}
	h(subID, ev)
}

func (c *fakeConn) eose(subID string) {
	c.mu.Lock()
	h := c.handlers.OnEOSE
	c.mu.Unlock()
	h(subID)
}

// fireConnected fires OnConnected as the websocket read loop would
func (c *fakeConn) fireConnected(reconnect bool) {
	c.mu.Lock()
	h := c.handlers.OnConnected
	c.mu.Unlock()
	if h != nil {
		h(reconnect)
	}
}

func (c *fakeConn) messages(kind string) []sentMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentMsg
	for _, m := range c.sent {
		if m.kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) subIDs(kind string) []string {
	var ids []string
	for _, m := range c.messages(kind) {
		ids = append(ids, m.subID)
	}
	return ids
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

// fakeNet hands out fakeConns and remembers them by address
type fakeNet struct {
	mu      sync.Mutex
	conns   map[string]*fakeConn
	dialed  []*fakeConn
	prepare func(c *fakeConn)
}

func newFakeNet() *fakeNet {
	return &fakeNet{conns: make(map[string]*fakeConn)}
}

func (n *fakeNet) dial(addr string, settings types.RelaySettings, ephemeral bool) Connection {
	c := &fakeConn{addr: addr, ephemeral: ephemeral, settings: settings}
	n.mu.Lock()
	prepare := n.prepare
	n.conns[addr] = c
	n.dialed = append(n.dialed, c)
	n.mu.Unlock()
	if prepare != nil {
		prepare(c)
	}
	return c
}

func (n *fakeNet) conn(addr string) *fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[addr]
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestSystem(t *testing.T) (*System, *fakeNet, *fakeClock) {
	t.Helper()
	net := newFakeNet()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := New(DefaultConfig(), net.dial, nil)
	s.now = clock.now
	t.Cleanup(s.Stop)
	return s, net, clock
}

func mustConnect(t *testing.T, s *System, net *fakeNet, addr string, settings types.RelaySettings) *fakeConn {
	t.Helper()
	if err := s.ConnectToRelay(context.Background(), addr, settings); err != nil {
		t.Fatalf("ConnectToRelay(%s): %v", addr, err)
	}
	return net.conn(addr)
}

var rw = types.RelaySettings{Read: true, Write: true}

func note(id, pubkey string, createdAt int64) types.Event {
	return types.Event{ID: id, PubKey: pubkey, CreatedAt: createdAt, Kind: types.KindTextNote}
}
