package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"nostr-engine/internal/config"
	"nostr-engine/internal/metrics"
	"nostr-engine/internal/nips"
	"nostr-engine/internal/system"
	"nostr-engine/internal/util"
)

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep the engine running and expose health, metrics and debug endpoints",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := startEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	addr := serveAddr
	if addr == "" {
		addr = config.Get().ListenAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           RequestLoggingMiddleware(newMux(e)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newMux(e *engine) *http.ServeMux {
	mux := http.NewServeMux()
	gauges := func() metrics.Gauges {
		g := e.sys.Gauges()
		g.CacheBackend = e.kind
		return g
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		g := gauges()
		if g.RelaysConnected == 0 {
			util.RespondServiceUnavailable(w, "no relay connected")
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "relays_connected": g.RelaysConnected})
	})
	mux.HandleFunc("/metrics", metrics.Handler(gauges))
	mux.HandleFunc("/debug/subs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			util.RespondMethodNotAllowed(w, "GET only")
			return
		}
		util.WriteJSON(w, http.StatusOK, e.sys.Stats())
	})
	mux.HandleFunc("/profile/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			util.RespondMethodNotAllowed(w, "GET only")
			return
		}
		pubkey, err := nips.DecodeToHex(strings.TrimPrefix(r.URL.Path, "/profile/"), "npub")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p, err := e.sys.Profile(r.Context(), pubkey)
		switch {
		case errors.Is(err, system.ErrProfileNotFound):
			http.NotFound(w, r)
		case err != nil:
			LoggerFromContext(r.Context()).Warn("profile lookup failed", "pubkey", pubkey, "error", err)
			util.RespondServiceUnavailable(w, "profile lookup failed")
		default:
			util.WriteJSON(w, http.StatusOK, p)
		}
	})
	mux.HandleFunc("/track/", func(w http.ResponseWriter, r *http.Request) {
		pubkey, err := nips.DecodeToHex(strings.TrimPrefix(r.URL.Path, "/track/"), "npub")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodPost:
			e.sys.TrackMetadata(pubkey)
		case http.MethodDelete:
			e.sys.UntrackMetadata(pubkey)
		default:
			util.RespondMethodNotAllowed(w, "POST or DELETE only")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}
