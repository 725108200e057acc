// Package metrics exposes the Prometheus registry the harvester registers into.
// All metrics are defined in their respective packages (client, session,
// executor, checkpoint, ratelimit) via promauto to avoid circular dependencies.
//
// This package provides the HTTP handler and a reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the harvester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects what Registry holds.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Task Metrics (pkg/executor):
//   - harvest_tasks_total{outcome} (Counter): Tasks finished as done, failed or skipped
//   - harvest_attempts_total{kind} (Counter): Fetch attempts by result kind
//   - harvest_tasks_in_flight (Gauge): Tasks currently held by a worker
//
// Request Metrics (pkg/client):
//   - harvest_requests_total{status} (Counter): Record requests by HTTP status or network_error
//   - harvest_request_duration_seconds (Histogram): Record request duration
//   - harvest_errors_total{class} (Counter): Failed attempts by class (auth, client, server, rate_limit, network, malformed, business)
//   - harvest_retry_backoff_seconds (Histogram): Backoff slept between attempts
//
// Session Metrics (pkg/session):
//   - harvest_logins_total{result} (Counter): Logins by result
//   - harvest_session_refresh_coalesced_total (Counter): Refreshes answered by an earlier refresh
//   - harvest_session_age_seconds (Histogram): Age of sessions when they expired
//
// Checkpoint Metrics (pkg/checkpoint):
//   - harvest_checkpoint_flushes_total{result} (Counter): Checkpoint file rewrites
//   - harvest_checkpoint_flush_duration_seconds (Histogram): Time spent rewriting the file
//   - harvest_checkpoint_records{outcome} (Gauge): Records by outcome
//
// Rate Limit Metrics (pkg/ratelimit):
//   - harvest_ratelimit_remaining (Gauge): Requests remaining in the current window
//   - harvest_ratelimit_waits_total (Counter): Requests delayed until the window reset
//   - harvest_ratelimit_throttles_total (Counter): Requests throttled at the warning threshold
//
// Example Prometheus Queries:
//
//   # Throughput
//   sum(rate(harvest_tasks_total{outcome="Done"}[5m]))
//
//   # Failure Ratio
//   sum(rate(harvest_tasks_total{outcome="Failed"}[1h])) /
//   sum(rate(harvest_tasks_total{outcome=~"Done|Failed"}[1h]))
//
//   # Session Expiries
//   rate(harvest_logins_total{result="success"}[1h])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(harvest_request_duration_seconds_bucket[5m]))
