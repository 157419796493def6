package tokengate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tokengate/tokengate/internal"
)

// VerifyToken checks the submitted token against the principal's open
// session in the scope. It returns (true, nil) exactly once per token; a
// wrong token, an expired, missing, or already-verified session all yield
// (false, nil) without distinguishing the cause. Errors are reserved for
// rate limiting and backend failures.
func (e *Engine) VerifyToken(ctx context.Context, principalID, scope, submitted string) (bool, error) {
	if e == nil || e.sessions == nil {
		return false, ErrEngineNotReady
	}
	if principalID == "" || submitted == "" {
		e.metricInc(MetricVerifyFailure)
		return false, nil
	}

	scope = normalizeScope(scope)

	// The caller's budget is charged before the lookup so that probing for
	// open sessions is not free.
	if err := e.checkVerifyLimit(ctx, principalID, ""); err != nil {
		return false, err
	}

	sessionID, _, err := e.sessions.FindOpen(ctx, principalID, scope)
	if err != nil {
		if errors.Is(err, errSessionNotFound) || errors.Is(err, errSessionExpired) {
			e.metricInc(MetricVerifyFailure)
			e.emitAudit(ctx, auditEventVerifyFailure, false, principalID, "", "", ErrTokenInvalid, func() map[string]string {
				return map[string]string{
					"scope":  scope,
					"reason": "no_open_session",
				}
			})
			return false, nil
		}
		return false, mapSessionStoreError(err)
	}

	return e.verifySession(ctx, principalID, scope, sessionID, submitted)
}

// VerifyTokenSession is [Engine.VerifyToken] addressed by session identifier
// instead of scope. The session must belong to the principal; a foreign or
// unknown identifier verifies as false.
func (e *Engine) VerifyTokenSession(ctx context.Context, principalID, sessionID, submitted string) (bool, error) {
	if e == nil || e.sessions == nil {
		return false, ErrEngineNotReady
	}
	if principalID == "" || sessionID == "" || submitted == "" {
		e.metricInc(MetricVerifyFailure)
		return false, nil
	}

	if err := e.checkVerifyLimit(ctx, principalID, sessionID); err != nil {
		return false, err
	}

	record, err := e.sessions.FindByIDForPrincipal(ctx, sessionID, principalID)
	if err != nil {
		if errors.Is(err, errSessionNotFound) || errors.Is(err, errSessionExpired) {
			e.metricInc(MetricVerifyFailure)
			e.emitAudit(ctx, auditEventVerifyFailure, false, principalID, sessionID, "", ErrTokenInvalid, func() map[string]string {
				return map[string]string{
					"reason": "session_lookup",
				}
			})
			return false, nil
		}
		return false, mapSessionStoreError(err)
	}

	return e.verifySession(ctx, principalID, record.Scope, sessionID, submitted)
}

// checkVerifyLimit charges the principal's verification budget. It is keyed
// by caller, not by session: a fresh RequestToken never refreshes it, and
// attempts without an open session still spend it.
func (e *Engine) checkVerifyLimit(ctx context.Context, principalID, sessionID string) error {
	if e.rateLimiter == nil || e.rateLimitExempt(principalID) {
		return nil
	}

	err := e.rateLimiter.AllowVerify(ctx, principalID)
	if err == nil {
		return nil
	}

	mapped := mapRateLimitError(err, ErrVerifyRateLimited)
	if errors.Is(mapped, ErrVerifyRateLimited) {
		e.metricInc(MetricVerifyRateLimited)
		e.emitAudit(ctx, auditEventVerifyRateLimited, false, principalID, sessionID, "", mapped, nil)
		e.emitRateLimit(ctx, "token_verify", principalID, nil)
	}
	return mapped
}

func (e *Engine) verifySession(ctx context.Context, principalID, scope, sessionID, submitted string) (bool, error) {
	if e.metrics != nil && e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() {
			e.metrics.Observe(MetricVerifyLatency, time.Since(start))
		}()
	}

	record, err := e.sessions.MarkVerified(ctx, sessionID, internal.HashToken(submitted), e.config.Session.Retention)
	if err != nil {
		switch {
		case errors.Is(err, errSessionConsumed):
			e.metricInc(MetricVerifyFailure)
			e.metricInc(MetricVerifyRace)
			e.emitAudit(ctx, auditEventVerifyFailure, false, principalID, sessionID, "", ErrTokenInvalid, func() map[string]string {
				return map[string]string{
					"scope":  scope,
					"reason": "already_verified",
				}
			})
			return false, nil
		case errors.Is(err, errSessionNotFound),
			errors.Is(err, errSessionExpired),
			errors.Is(err, errSessionTokenMismatch):
			e.metricInc(MetricVerifyFailure)
			e.emitAudit(ctx, auditEventVerifyFailure, false, principalID, sessionID, "", ErrTokenInvalid, func() map[string]string {
				return map[string]string{
					"scope": scope,
				}
			})
			return false, nil
		default:
			return false, mapSessionStoreError(err)
		}
	}

	if e.rateLimiter != nil {
		// Counter cleanup is best-effort; the session is already consumed.
		if err := e.rateLimiter.ResetVerify(ctx, principalID); err != nil {
			log.Print("tokengate: verify limiter reset failed")
		}
	}

	e.metricInc(MetricVerifySuccess)
	e.emitAudit(ctx, auditEventVerifySuccess, true, principalID, sessionID, record.Factor, nil, func() map[string]string {
		return map[string]string{
			"scope": scope,
		}
	})
	return true, nil
}

// GetCredential verifies the submitted token and, on success, asks the
// credential issuer to mint a long-lived credential for the principal. A
// failed verification returns ErrTokenInvalid. An issuance failure returns
// ErrCredentialIssuance; the token has already been consumed at that point.
func (e *Engine) GetCredential(ctx context.Context, principalID, scope, submitted string) (string, error) {
	ok, err := e.VerifyToken(ctx, principalID, scope, submitted)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrTokenInvalid
	}
	return e.issueCredential(ctx, principalID)
}

// GetCredentialForSession is [Engine.GetCredential] addressed by session
// identifier.
func (e *Engine) GetCredentialForSession(ctx context.Context, principalID, sessionID, submitted string) (string, error) {
	ok, err := e.VerifyTokenSession(ctx, principalID, sessionID, submitted)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrTokenInvalid
	}
	return e.issueCredential(ctx, principalID)
}

func (e *Engine) issueCredential(ctx context.Context, principalID string) (string, error) {
	if e.issuer == nil {
		return "", ErrEngineNotReady
	}

	credential, err := e.issuer.IssueCredential(ctx, principalID)
	if err != nil {
		e.metricInc(MetricCredentialFailure)
		e.emitAudit(ctx, auditEventCredentialFailure, false, principalID, "", "", ErrCredentialIssuance, nil)
		return "", fmt.Errorf("%w: %v", ErrCredentialIssuance, err)
	}

	e.metricInc(MetricCredentialIssued)
	e.emitAudit(ctx, auditEventCredentialIssued, true, principalID, "", "", nil, nil)
	return credential, nil
}
