package system

import (
	"context"
	"errors"
	"log/slog"

	"nostr-engine/internal/metrics"
	"nostr-engine/internal/relay"
	"nostr-engine/internal/types"
)

// Connection is one relay link as the engine uses it
type Connection interface {
	Address() string
	Ephemeral() bool
	Settings() types.RelaySettings
	SetSettings(types.RelaySettings)
	IsConnected() bool

	// SetHandlers must be called before Connect
	SetHandlers(relay.Handlers)
	Connect(ctx context.Context) error
	Close() error

	SendReq(subID string, filters []types.Filter) error
	SendClose(subID string) error
	SendEvent(ev types.Event) error
	// Publish sends ev and waits for the relay's OK
	Publish(ctx context.Context, ev types.Event) error
}

// Dialer creates an unconnected Connection for a normalised relay address
type Dialer func(address string, settings types.RelaySettings, ephemeral bool) Connection

// WebsocketDialer returns a Dialer producing websocket connections
func WebsocketDialer(opts relay.Options) Dialer {
	return func(address string, settings types.RelaySettings, ephemeral bool) Connection {
		return relay.New(address, settings, ephemeral, opts)
	}
}

// outbound is one REQ or CLOSE to write once the engine lock is released
type outbound struct {
	conn    Connection
	subID   string
	filters []types.Filter
	close   bool
}

// flush writes msgs in order and returns the ones that failed
func (s *System) flush(msgs []outbound) []outbound {
	var failed []outbound
	for _, m := range msgs {
		var err error
		if m.close {
			err = m.conn.SendClose(m.subID)
			if err == nil {
				metrics.IncCloseSent()
			}
		} else {
			err = m.conn.SendReq(m.subID, m.filters)
			if err == nil {
				metrics.IncReqSent()
			}
		}
		if err == nil {
			continue
		}

		failed = append(failed, m)
		if errors.Is(err, relay.ErrNotConnected) {
			// replayed when the connection comes up
			slog.Debug("relay not connected, message deferred", "relay", m.conn.Address(), "sub_id", m.subID, "close", m.close)
			continue
		}
		slog.Warn("relay write failed", "relay", m.conn.Address(), "sub_id", m.subID, "close", m.close, "error", err)
	}
	return failed
}
