// Package tokengate implements an out-of-band second-factor verification
// layer for password-based logins.
//
// After primary credentials have been validated elsewhere, the caller asks
// the [Engine] to issue a short-lived single-use token to the principal's
// registered contact channel (email, a messaging app, ...). The principal
// echoes the token back, and on a successful match the engine asks the
// configured credential issuer for a long-lived login credential.
//
// The flow is:
//
//  1. [Engine.RequestToken] looks up the principal's {contact, factor}
//     preference, opens a verification session, and delivers the token.
//  2. [Engine.GetCredential] (or [Engine.VerifyToken]) checks the submitted
//     token against the open session. The verify transition is a
//     compare-and-set: of any number of concurrent attempts with the correct
//     token, exactly one succeeds.
//  3. [Engine.InvalidateSession] cancels an open session;
//     [Engine.AssertOpenSession] reports whether one exists.
//
// Sessions are kept in Redis. Unverified sessions disappear when their
// expiry passes; verified sessions are retained for a configurable audit
// window before deletion.
package tokengate
