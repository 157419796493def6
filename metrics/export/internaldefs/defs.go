package internaldefs

import (
	tokengate "github.com/tokengate/tokengate"
)

// CounterDef names one engine counter for export.
type CounterDef struct {
	ID   tokengate.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for export.
type HistogramDef struct {
	ID   tokengate.MetricID
	Name string
	Help string
}

// CounterDefs is the canonical export table for engine counters.
var CounterDefs = []CounterDef{
	{ID: tokengate.MetricRequestSuccess, Name: "tokengate_request_success_total", Help: "Token requests that opened a session."},
	{ID: tokengate.MetricRequestFailure, Name: "tokengate_request_failure_total", Help: "Token requests rejected before delivery."},
	{ID: tokengate.MetricRequestRateLimited, Name: "tokengate_request_rate_limited_total", Help: "Rate-limited token requests."},
	{ID: tokengate.MetricDeliverySuccess, Name: "tokengate_delivery_success_total", Help: "Successful token deliveries."},
	{ID: tokengate.MetricDeliveryTimeout, Name: "tokengate_delivery_timeout_total", Help: "Deliveries abandoned at the factor deadline."},
	{ID: tokengate.MetricDeliveryFailure, Name: "tokengate_delivery_failure_total", Help: "Deliveries the factor reported as failed."},
	{ID: tokengate.MetricVerifySuccess, Name: "tokengate_verify_success_total", Help: "Verifications that consumed a token."},
	{ID: tokengate.MetricVerifyFailure, Name: "tokengate_verify_failure_total", Help: "Rejected verification attempts."},
	{ID: tokengate.MetricVerifyRateLimited, Name: "tokengate_verify_rate_limited_total", Help: "Rate-limited verification attempts."},
	{ID: tokengate.MetricVerifyRace, Name: "tokengate_verify_race_total", Help: "Verifications that lost the consume race."},
	{ID: tokengate.MetricSessionCreated, Name: "tokengate_session_created_total", Help: "Created verification sessions."},
	{ID: tokengate.MetricSessionReplaced, Name: "tokengate_session_replaced_total", Help: "Open sessions displaced by a new request."},
	{ID: tokengate.MetricSessionInvalidated, Name: "tokengate_session_invalidated_total", Help: "Explicitly invalidated sessions."},
	{ID: tokengate.MetricCredentialIssued, Name: "tokengate_credential_issued_total", Help: "Credentials minted after verification."},
	{ID: tokengate.MetricCredentialFailure, Name: "tokengate_credential_failure_total", Help: "Credential issuance failures."},
}

// HistogramDefs is the canonical export table for engine histograms.
var HistogramDefs = []HistogramDef{
	{ID: tokengate.MetricVerifyLatency, Name: "tokengate_verify_latency_seconds", Help: "Verification latency histogram."},
}

// HistogramBounds is the shared upper-bound label set, in seconds.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is the instrument-name-safe form of HistogramBounds.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies a raw snapshot slice into the fixed bucket shape.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into cumulative counts.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
