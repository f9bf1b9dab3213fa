// Package relay implements a single Nostr relay connection over a websocket.
//
// A Conn speaks the client side of NIP-01: it sends REQ, CLOSE and EVENT, and
// dispatches inbound EVENT, EOSE, OK, NOTICE and CLOSED messages. Durable
// connections reconnect with exponential backoff; ephemeral ones do not.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nostr-engine/internal/nostr"
	"nostr-engine/internal/types"
)

var (
	ErrNotConnected = errors.New("relay not connected")
	ErrNotWritable  = errors.New("relay not writable")
	ErrNotReadable  = errors.New("relay not readable")
	ErrRejected     = errors.New("event rejected by relay")
	ErrClosed       = errors.New("relay connection closed")
)

// Handlers receive inbound traffic. They are called from the connection's read
// goroutine, one message at a time, in arrival order.
type Handlers struct {
	OnEvent     func(subID string, ev types.Event)
	OnEOSE      func(subID string)
	OnConnected func(reconnect bool)
}

// Options tune connection timing
type Options struct {
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{
		DialTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReconnectDelay:    2 * time.Second,
		MaxReconnectDelay: 5 * time.Minute,
	}
}

type okResult struct {
	accepted bool
	message  string
}

// Conn manages one websocket connection to a relay
type Conn struct {
	address   string
	ephemeral bool
	opts      Options
	dialer    *websocket.Dialer

	mu        sync.Mutex
	settings  types.RelaySettings
	handlers  Handlers
	ws        *websocket.Conn
	connected bool
	closed    bool
	pendingOK map[string]chan okResult

	writeMu sync.Mutex
	done    chan struct{}
}

// New creates a connection; nothing is dialed until Connect
func New(address string, settings types.RelaySettings, ephemeral bool, opts Options) *Conn {
	return &Conn{
		address:   address,
		ephemeral: ephemeral,
		opts:      opts,
		dialer:    websocket.DefaultDialer,
		settings:  settings,
		pendingOK: make(map[string]chan okResult),
		done:      make(chan struct{}),
	}
}

func (c *Conn) Address() string { return c.address }

func (c *Conn) Ephemeral() bool { return c.ephemeral }

func (c *Conn) Settings() types.RelaySettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// SetSettings updates read/write flags in place without reconnecting
func (c *Conn) SetSettings(s types.RelaySettings) {
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
}

func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

// Connect dials the relay and starts the read loop. OnConnected(false) fires
// once the socket is up.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return err
	}
	c.fireConnected(false)
	return nil
}

func (c *Conn) dial(ctx context.Context) error {
	if c.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.DialTimeout)
		defer cancel()
	}

	ws, _, err := c.dialer.DialContext(ctx, c.address, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.address, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	c.ws = ws
	c.connected = true
	c.mu.Unlock()

	slog.Debug("relay connected", "relay", c.address, "ephemeral", c.ephemeral)
	go c.readLoop(ws)
	return nil
}

func (c *Conn) fireConnected(reconnect bool) {
	c.mu.Lock()
	fn := c.handlers.OnConnected
	c.mu.Unlock()
	if fn != nil {
		fn(reconnect)
	}
}

// Close shuts the connection down for good
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	close(c.done)
	ws := c.ws
	pending := c.pendingOK
	c.pendingOK = make(map[string]chan okResult)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if ws != nil {
		return ws.Close()
	}
	return nil
}

// SendReq opens (or replaces) subscription subID with the given filters
func (c *Conn) SendReq(subID string, filters []types.Filter) error {
	if !c.Settings().Read {
		return ErrNotReadable
	}
	msg := make([]interface{}, 0, len(filters)+2)
	msg = append(msg, "REQ", subID)
	for _, f := range filters {
		msg = append(msg, f)
	}
	return c.writeJSON(msg)
}

// SendClose closes subscription subID
func (c *Conn) SendClose(subID string) error {
	return c.writeJSON([]interface{}{"CLOSE", subID})
}

// SendEvent publishes an event without waiting for the relay's OK
func (c *Conn) SendEvent(ev types.Event) error {
	if !c.Settings().Write {
		return ErrNotWritable
	}
	return c.writeJSON([]interface{}{"EVENT", ev})
}

// Publish sends an event and waits for the relay's OK message
func (c *Conn) Publish(ctx context.Context, ev types.Event) error {
	ch := make(chan okResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pendingOK[ev.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pendingOK[ev.ID] == ch {
			delete(c.pendingOK, ev.ID)
		}
		c.mu.Unlock()
	}()

	if err := c.SendEvent(ev); err != nil {
		return err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if !res.accepted {
			return fmt.Errorf("%w: %s", ErrRejected, res.message)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) writeJSON(v interface{}) error {
	c.mu.Lock()
	ws, connected := c.ws, c.connected
	c.mu.Unlock()
	if !connected || ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WriteTimeout > 0 {
		ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		defer ws.SetWriteDeadline(time.Time{})
	}
	if err := ws.WriteJSON(v); err != nil {
		ws.Close()
		return fmt.Errorf("write to %s: %w", c.address, err)
	}
	return nil
}

// readLoop continuously reads from the socket and routes messages
func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		var msg types.NostrMessage
		if err := ws.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				slog.Warn("relay read error", "relay", c.address, "error", err)
			}
			break
		}
		c.dispatch(msg)
	}

	c.mu.Lock()
	if c.ws == ws {
		c.connected = false
	}
	reconnect := !c.closed && !c.ephemeral
	c.mu.Unlock()
	ws.Close()

	if reconnect {
		go c.reconnectLoop()
	}
}

func (c *Conn) dispatch(msg types.NostrMessage) {
	if len(msg) < 2 {
		return
	}
	msgType, ok := msg[0].(string)
	if !ok {
		return
	}

	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()

	switch msgType {
	case "EVENT":
		if len(msg) < 3 {
			return
		}
		subID, ok := msg[1].(string)
		if !ok {
			return
		}
		evt, ok := nostr.ParseEventFromInterface(msg[2])
		if !ok {
			return
		}
		evt.RelaysSeen = []string{c.address}
		if h.OnEvent != nil {
			h.OnEvent(subID, evt)
		}

	case "EOSE":
		subID, ok := msg[1].(string)
		if ok && h.OnEOSE != nil {
			h.OnEOSE(subID)
		}

	case "CLOSED":
		// Relay ended the subscription; nothing more will arrive for it
		subID, _ := msg[1].(string)
		reason := ""
		if len(msg) >= 3 {
			reason, _ = msg[2].(string)
		}
		slog.Debug("relay closed subscription", "relay", c.address, "sub_id", subID, "reason", reason)
		if subID != "" && h.OnEOSE != nil {
			h.OnEOSE(subID)
		}

	case "OK":
		if len(msg) < 3 {
			return
		}
		eventID, _ := msg[1].(string)
		accepted, _ := msg[2].(bool)
		message := ""
		if len(msg) >= 4 {
			message, _ = msg[3].(string)
		}
		c.mu.Lock()
		ch := c.pendingOK[eventID]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- okResult{accepted: accepted, message: message}:
			default:
			}
		}

	case "NOTICE":
		notice, _ := msg[1].(string)
		slog.Info("relay notice", "relay", c.address, "notice", notice)
	}
}

func (c *Conn) reconnectLoop() {
	delay := c.opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultOptions().ReconnectDelay
	}

	for {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-c.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		err := c.dial(ctx)
		cancel()

		if err == nil {
			slog.Info("relay reconnected", "relay", c.address)
			c.fireConnected(true)
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}

		slog.Debug("relay reconnect failed", "relay", c.address, "error", err, "retry_in", delay)
		delay *= 2
		if c.opts.MaxReconnectDelay > 0 && delay > c.opts.MaxReconnectDelay {
			delay = c.opts.MaxReconnectDelay
		}
	}
}
