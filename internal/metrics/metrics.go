// Package metrics exposes Prometheus instrumentation for the brontide
// link-encryption engine: handshake/rekey/frame counters and duration
// histograms, plus a lightweight in-process collector for callers that
// want a point-in-time snapshot without scraping /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "brontide"

// Registry is the Prometheus registry all brontide metrics are
// registered against. A dedicated registry (rather than the global
// default) keeps a brontide-embedding process's /metrics endpoint free
// of unrelated collectors.
var Registry = prometheus.NewRegistry()
