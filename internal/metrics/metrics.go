// Package metrics keeps process wide counters for the engine and serves them in
// the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

var startTime = time.Now()

// Wire traffic
var (
	reqsSent        atomic.Int64
	closesSent      atomic.Int64
	eventsReceived  atomic.Int64
	eventsDropped   atomic.Int64
	eoseReceived    atomic.Int64
	subqueriesTotal atomic.Int64
)

// Relay pool
var (
	relayConnectFailures atomic.Int64
	relayReplays         atomic.Int64
	publishTotal         atomic.Int64
	publishFailed        atomic.Int64
)

// Lifecycle and metadata
var (
	queriesReaped atomic.Int64
	fetchesTotal  atomic.Int64
	fetchTimeouts atomic.Int64
	profileHits   atomic.Int64
	profileMisses atomic.Int64
)

func IncReqSent() { reqsSent.Add(1) }

func IncCloseSent() { closesSent.Add(1) }

func IncEventReceived() { eventsReceived.Add(1) }

func IncEventDropped() { eventsDropped.Add(1) }

func IncEOSE() { eoseReceived.Add(1) }

func IncSubquery() { subqueriesTotal.Add(1) }

func IncRelayConnectFailure() { relayConnectFailures.Add(1) }

func IncRelayReplay() { relayReplays.Add(1) }

func IncQueryReaped() { queriesReaped.Add(1) }

func IncFetch() { fetchesTotal.Add(1) }

func IncFetchTimeout() { fetchTimeouts.Add(1) }

func IncProfileHit() { profileHits.Add(1) }

func IncProfileMiss() { profileMisses.Add(1) }

// IncPublish records a one-shot publish and whether it failed
func IncPublish(failed bool) {
	publishTotal.Add(1)
	if failed {
		publishFailed.Add(1)
	}
}

// Gauges are point-in-time values read from the running engine
type Gauges struct {
	QueriesActive   int
	QueriesClosing  int
	RelaysPooled    int
	RelaysConnected int
	TrackedPubkeys  int
	CacheBackend    string
}

// Counters is a read of every counter
type Counters struct {
	ReqsSent             int64 `json:"reqs_sent"`
	ClosesSent           int64 `json:"closes_sent"`
	EventsReceived       int64 `json:"events_received"`
	EventsDropped        int64 `json:"events_dropped"`
	EOSEReceived         int64 `json:"eose_received"`
	Subqueries           int64 `json:"subqueries"`
	RelayConnectFailures int64 `json:"relay_connect_failures"`
	RelayReplays         int64 `json:"relay_replays"`
	PublishTotal         int64 `json:"publish_total"`
	PublishFailed        int64 `json:"publish_failed"`
	QueriesReaped        int64 `json:"queries_reaped"`
	FetchesTotal         int64 `json:"fetches_total"`
	FetchTimeouts        int64 `json:"fetch_timeouts"`
	ProfileHits          int64 `json:"profile_hits"`
	ProfileMisses        int64 `json:"profile_misses"`
}

// Snapshot reads all counters
func Snapshot() Counters {
	return Counters{
		ReqsSent:             reqsSent.Load(),
		ClosesSent:           closesSent.Load(),
		EventsReceived:       eventsReceived.Load(),
		EventsDropped:        eventsDropped.Load(),
		EOSEReceived:         eoseReceived.Load(),
		Subqueries:           subqueriesTotal.Load(),
		RelayConnectFailures: relayConnectFailures.Load(),
		RelayReplays:         relayReplays.Load(),
		PublishTotal:         publishTotal.Load(),
		PublishFailed:        publishFailed.Load(),
		QueriesReaped:        queriesReaped.Load(),
		FetchesTotal:         fetchesTotal.Load(),
		FetchTimeouts:        fetchTimeouts.Load(),
		ProfileHits:          profileHits.Load(),
		ProfileMisses:        profileMisses.Load(),
	}
}

// Handler serves Prometheus-compatible metrics. gauges may be nil.
func Handler(gauges func() Gauges) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		var g Gauges
		if gauges != nil {
			g = gauges()
		}
		Write(w, g)
	}
}

// Write renders all metrics to w
func Write(w io.Writer, g Gauges) {
	fmt.Fprintf(w, "# HELP nostr_engine_build_info Build and configuration information\n")
	fmt.Fprintf(w, "# TYPE nostr_engine_build_info gauge\n")
	fmt.Fprintf(w, "nostr_engine_build_info{cache_backend=%q,go_version=%q} 1\n\n", g.CacheBackend, runtime.Version())

	gauge(w, "process_uptime_seconds", "Time since process started", int64(time.Since(startTime).Seconds()))
	gauge(w, "go_goroutines", "Number of active goroutines", int64(runtime.NumGoroutine()))

	gauge(w, "nostr_queries_active", "Queries held by the engine", int64(g.QueriesActive))
	gauge(w, "nostr_queries_closing", "Queries waiting out their cancel grace period", int64(g.QueriesClosing))
	gauge(w, "nostr_relay_connections_pooled", "Relay connections in the pool", int64(g.RelaysPooled))
	gauge(w, "nostr_relay_connections_active", "Pooled relay connections currently connected", int64(g.RelaysConnected))
	gauge(w, "nostr_metadata_tracked_pubkeys", "Pubkeys whose profiles are kept fresh", int64(g.TrackedPubkeys))

	c := Snapshot()
	counter(w, "nostr_req_sent_total", "REQ messages sent", c.ReqsSent)
	counter(w, "nostr_close_sent_total", "CLOSE messages sent", c.ClosesSent)
	counter(w, "nostr_events_received_total", "EVENT messages routed to a query or fetch", c.EventsReceived)
	counter(w, "nostr_events_dropped_total", "EVENT messages for unknown subscriptions", c.EventsDropped)
	counter(w, "nostr_eose_received_total", "EOSE messages received", c.EOSEReceived)
	counter(w, "nostr_subqueries_total", "Subqueries spawned by filter diffs", c.Subqueries)
	counter(w, "nostr_relay_connect_failures_total", "Failed relay connection attempts", c.RelayConnectFailures)
	counter(w, "nostr_relay_replays_total", "Open queries replayed to a (re)connected relay", c.RelayReplays)
	counter(w, "nostr_publish_total", "One-shot publishes", c.PublishTotal)
	counter(w, "nostr_publish_failed_total", "One-shot publishes that failed", c.PublishFailed)
	counter(w, "nostr_queries_reaped_total", "Queries removed after their grace period", c.QueriesReaped)
	counter(w, "nostr_fetches_total", "Request/response fetches", c.FetchesTotal)
	counter(w, "nostr_fetch_timeouts_total", "Fetches resolved by timeout", c.FetchTimeouts)
	counter(w, "nostr_profile_cache_hits_total", "Profile lookups served from cache", c.ProfileHits)
	counter(w, "nostr_profile_cache_misses_total", "Profile lookups that went to relays", c.ProfileMisses)
}

func gauge(w io.Writer, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	fmt.Fprintf(w, "%s %d\n\n", name, v)
}

func counter(w io.Writer, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n\n", name, v)
}
