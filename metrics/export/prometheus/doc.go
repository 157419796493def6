// Package prometheus renders tokengate metrics in Prometheus text
// exposition format.
//
// [NewPrometheusExporter] accepts a [tokengate.Engine] and exposes an
// [net/http.Handler] serving all engine counters and histograms. Counter
// names are prefixed tokengate_*_total; the single histogram is
// tokengate_verify_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry — callers mount the
//     Handler.
//   - Mutate engine state.
package prometheus
