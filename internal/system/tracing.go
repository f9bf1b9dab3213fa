package system

import "go.opentelemetry.io/otel"

const tracerName = "nostr-engine/internal/system"

// tracer uses the global provider; spans are no-ops until one is installed
var tracer = otel.Tracer(tracerName)
