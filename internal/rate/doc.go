// Package rate provides the Redis-backed fixed-window counters that throttle
// token requests and verification attempts.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Key shapes,
// under the configured namespace prefix:
//   - tr:  — token requests per principal+scope
//   - tri: — token requests per-IP
//   - tv:  — verification attempts per principal
//
// # What this package must NOT do
//
//   - Decide which principals are exempt (the engine applies exemptions).
//   - Be imported outside the tokengate module.
package rate
