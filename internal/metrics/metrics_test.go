package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerWritesCountersAndGauges(t *testing.T) {
	before := Snapshot()
	IncReqSent()
	IncPublish(true)

	if got := Snapshot(); got.ReqsSent != before.ReqsSent+1 || got.PublishFailed != before.PublishFailed+1 {
		t.Fatalf("counters did not move: %+v", got)
	}

	rec := httptest.NewRecorder()
	Handler(func() Gauges {
		return Gauges{QueriesActive: 3, RelaysPooled: 2, CacheBackend: "memory"}
	})(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"nostr_queries_active 3",
		"nostr_relay_connections_pooled 2",
		`cache_backend="memory"`,
		"# TYPE nostr_req_sent_total counter",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
}
