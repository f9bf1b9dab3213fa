package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"nostr-engine/internal/cache"
	"nostr-engine/internal/config"
	"nostr-engine/internal/nips"
	"nostr-engine/internal/system"
	"nostr-engine/internal/types"
)

var (
	flagConfig   string
	flagRelays   []string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "nostr-engine",
	Short: "Nostr subscription and query engine",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagConfig != "" {
			os.Setenv("ENGINE_CONFIG", flagConfig)
		}
		InitLogger(flagLogLevel)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "engine config file (default $ENGINE_CONFIG or config/engine.json)")
	rootCmd.PersistentFlags().StringSliceVar(&flagRelays, "relay", nil, "relay to use instead of the configured ones (repeatable)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error (default $LOG_LEVEL)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// engine bundles a started System with the resources it owns
type engine struct {
	sys     *system.System
	backend cache.Backend
	kind    string // cache backend type
}

func (e *engine) Close() {
	e.sys.Stop()
	if err := e.backend.Close(); err != nil {
		slog.Warn("cache close failed", "error", err)
	}
}

// newEngine builds and starts the engine from configuration without
// connecting any relay
func newEngine() *engine {
	backend, kind := cache.NewBackend(os.Getenv("REDIS_URL"), cache.DefaultConfig())
	profiles := cache.NewProfileCache(backend, cache.DefaultConfig())

	sys := system.New(system.ConfigFrom(config.Get()), nil, profiles)
	sys.Start()
	return &engine{sys: sys, backend: backend, kind: kind}
}

// startEngine builds the engine and connects its relays concurrently. Relays
// that fail to connect are logged and skipped; it is an error only when none
// connect.
func startEngine(ctx context.Context) (*engine, error) {
	cfg := config.Get()
	e := newEngine()
	sys := e.sys

	relays := cfg.Relays
	if len(flagRelays) > 0 {
		relays = make(map[string]types.RelaySettings, len(flagRelays))
		for _, r := range flagRelays {
			relays[r] = types.RelaySettings{Read: true, Write: true}
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var g errgroup.Group
	ok := make(chan string, len(relays))
	for addr, settings := range relays {
		addr, settings := addr, settings
		g.Go(func() error {
			// failures are logged by the engine
			if err := sys.ConnectToRelay(dialCtx, addr, settings); err != nil {
				return nil
			}
			ok <- addr
			return nil
		})
	}
	g.Wait()
	close(ok)

	if len(ok) == 0 {
		e.Close()
		return nil, system.ErrNoRelays
	}
	slog.Info("engine started", "relays", len(ok), "cache", e.kind)
	return e, nil
}

// decodeAll converts npub/note/hex values to hex
func decodeAll(values []string, hrp string) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		h, err := nips.DecodeToHex(v, hrp)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func printEvents(events []types.Event) error {
	enc := json.NewEncoder(os.Stdout)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
	}
	return nil
}
