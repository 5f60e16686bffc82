// Package metrics writes the harvester's Prometheus metrics for the node
// exporter textfile collector.
// All metrics are defined in their respective packages (client, cache,
// ratelimit, retry, worker, dispatch, checkpoint, sink) to maintain
// modularity and avoid circular dependencies.
//
// A harvest run is a batch process without a listener, so the registry is
// written to a .prom file when the run ends.
package metrics

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the harvester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// WriteTextfile writes every metric of gatherer to path in the text
// exposition format. A nil gatherer uses the default registry. The file is
// replaced atomically so the collector never reads a partial file.
func WriteTextfile(path string, gatherer prometheus.Gatherer) error {
	if path == "" {
		return errors.New("metrics textfile path is empty")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create metrics dir for %s", path)
	}
	if err := prometheus.WriteToTextfile(path, gatherer); err != nil {
		return errors.Wrapf(err, "write metrics textfile %s", path)
	}
	return nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - harvest_http_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status ("cached", "network_error")
//   - harvest_http_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - harvest_http_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Rate Limit Metrics (pkg/ratelimit):
//   - harvest_cooldown_seconds (Gauge): Length of the last armed cool-down
//   - harvest_rate_limit_hits_total (Counter): 429 responses received
//   - harvest_cooldown_waits_total (Counter): Requests held back by a cool-down
//
// Cache Metrics (pkg/cache):
//   - harvest_cache_hits_total (Counter): Cache hits
//   - harvest_cache_misses_total (Counter): Cache misses
//   - harvest_cache_written_bytes_total (Counter): Encoded bytes written to the cache
//   - harvest_cache_skipped_total{reason} (Counter): Responses not cached (expired, too_large)
//   - harvest_cache_evictions_total{reason} (Counter): Entries removed early (deleted, expired, invalid)
//   - harvest_cache_errors_total{operation} (Counter): Cache operation errors
//
// Fetch Metrics (pkg/pagination, pkg/worker, pkg/retry):
//   - harvest_pages_fetched_total (Counter): Pages fetched
//   - harvest_fetch_attempts_total{class} (Counter): Fetch calls by result class
//   - harvest_retries_total{class} (Counter): Retries by failure class
//   - harvest_retry_backoff_seconds{class} (Histogram): Cool-down before a retry
//   - harvest_retry_exhausted_total{class} (Counter): Keys that gave up
//
// Run Metrics (pkg/dispatch, pkg/checkpoint, pkg/sink):
//   - harvest_run_keys_total (Gauge): Pending keys admitted to the run
//   - harvest_run_keys_done (Gauge): Keys that reached a terminal state
//   - harvest_run_outcomes{set} (Gauge): Outcomes by checkpoint set
//   - harvest_run_in_flight (Gauge): Keys being processed
//   - harvest_checkpoint_keys{set} (Gauge): Keys recorded in each checkpoint log
//   - harvest_sink_records_written_total{format} (Counter): Records appended
//   - harvest_sink_bytes_written_total{format} (Counter): Bytes appended
//
// Example Prometheus Queries:
//
//   # Run progress
//   harvest_run_keys_done / harvest_run_keys_total
//
//   # Share of exhausted keys
//   harvest_run_outcomes{set="exhausted"} / harvest_run_keys_done
//
//   # Cache Hit Rate
//   sum(rate(harvest_cache_hits_total[5m])) /
//   (sum(rate(harvest_cache_hits_total[5m])) + sum(rate(harvest_cache_misses_total[5m])))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(harvest_http_request_duration_seconds_bucket[5m]))
