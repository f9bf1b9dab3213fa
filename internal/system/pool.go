package system

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nostr-engine/internal/metrics"
	"nostr-engine/internal/nostr"
	"nostr-engine/internal/relay"
	"nostr-engine/internal/types"
)

// ErrNoRelays is returned when no pooled connection can serve a request
var ErrNoRelays = errors.New("no readable relay connected")

// ConnectToRelay adds a durable connection to the pool. When the address is
// already pooled only its settings are updated. Failed connects are logged,
// removed from the pool and returned.
func (s *System) ConnectToRelay(ctx context.Context, address string, settings types.RelaySettings) error {
	_, err := s.connect(ctx, address, settings, false)
	return err
}

// ConnectEphemeralRelay adds a read-only connection that is not replayed on
// reconnect, e.g. a relay hinted by a single event.
func (s *System) ConnectEphemeralRelay(ctx context.Context, address string) (Connection, error) {
	return s.connect(ctx, address, types.RelaySettings{Read: true}, true)
}

func (s *System) connect(ctx context.Context, address string, settings types.RelaySettings, ephemeral bool) (Connection, error) {
	addr, err := nostr.NormalizeRelayURL(address)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}

	s.mu.Lock()
	if existing, ok := s.sockets[addr]; ok {
		s.mu.Unlock()
		if !ephemeral {
			existing.SetSettings(settings)
		}
		return existing, nil
	}
	conn := s.dial(addr, settings, ephemeral)
	s.sockets[addr] = conn
	s.mu.Unlock()

	conn.SetHandlers(relay.Handlers{
		OnEvent:     func(subID string, ev types.Event) { s.onEvent(conn, subID, ev) },
		OnEOSE:      func(subID string) { s.onEOSE(conn, subID) },
		OnConnected: func(reconnect bool) { s.onConnected(conn, reconnect) },
	})

	if err := conn.Connect(ctx); err != nil {
		metrics.IncRelayConnectFailure()
		slog.Warn("relay connect failed", "relay", addr, "ephemeral", ephemeral, "error", err)
		s.mu.Lock()
		if s.sockets[addr] == conn {
			delete(s.sockets, addr)
		}
		s.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	slog.Info("relay added", "relay", addr, "read", settings.Read, "write", settings.Write, "ephemeral", ephemeral)
	return conn, nil
}

// DisconnectRelay removes a connection from the pool and closes it. Its
// subscriptions are not moved anywhere.
func (s *System) DisconnectRelay(address string) {
	addr, err := nostr.NormalizeRelayURL(address)
	if err != nil {
		addr = address
	}

	s.mu.Lock()
	conn, ok := s.sockets[addr]
	delete(s.sockets, addr)
	s.mu.Unlock()

	if ok {
		conn.Close()
		slog.Info("relay removed", "relay", addr)
	}
}

// BroadcastEvent sends ev to every writable pooled connection without waiting
// for OK. It returns how many connections accepted the write.
func (s *System) BroadcastEvent(ev types.Event) int {
	s.mu.Lock()
	conns := make([]Connection, 0, len(s.sockets))
	for _, c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	sent := 0
	for _, c := range conns {
		err := c.SendEvent(ev)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, relay.ErrNotWritable):
		default:
			slog.Warn("broadcast failed", "relay", c.Address(), "event_id", nostr.ShortID(ev.ID), "error", err)
		}
	}
	return sent
}

// WriteOnceToRelay publishes ev over a dedicated short lived connection and
// waits for the relay's OK. The connection never joins the pool.
func (s *System) WriteOnceToRelay(ctx context.Context, address string, ev types.Event) (err error) {
	ctx, span := tracer.Start(ctx, "system.WriteOnceToRelay",
		trace.WithAttributes(
			attribute.String("nostr.relay", address),
			attribute.String("nostr.event_id", ev.ID),
		),
	)
	defer func() {
		metrics.IncPublish(err != nil)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	addr, err := nostr.NormalizeRelayURL(address)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", address, err)
	}

	conn := s.dial(addr, types.RelaySettings{Write: true}, true)
	defer conn.Close()

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", addr, err)
	}
	if err := conn.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish to %s: %w", addr, err)
	}
	slog.Debug("event published", "relay", addr, "event_id", nostr.ShortID(ev.ID))
	return nil
}

// Relays lists the pooled connections, sorted by address
func (s *System) Relays() []types.RelayStatus {
	s.mu.Lock()
	conns := make([]Connection, 0, len(s.sockets))
	for _, c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	out := make([]types.RelayStatus, 0, len(conns))
	for _, c := range conns {
		out = append(out, types.RelayStatus{
			Address:   c.Address(),
			Settings:  c.Settings(),
			Connected: c.IsConnected(),
			Ephemeral: c.Ephemeral(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
