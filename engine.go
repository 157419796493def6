package tokengate

import (
	"context"
	"errors"
	"time"

	"github.com/tokengate/tokengate/internal/audit"
	"github.com/tokengate/tokengate/internal/rate"
)

// Engine is the verification engine. Build one with [New]; a built Engine is
// immutable and safe for concurrent use.
type Engine struct {
	config      Config
	sessions    *sessionStore
	rateLimiter *rate.Limiter
	dispatcher  *tokenDispatcher
	directory   ContactDirectory
	issuer      CredentialIssuer
	audit       *audit.Dispatcher
	metrics     *Metrics
}

// Close flushes and stops the audit dispatcher. Safe on a nil Engine.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were discarded under load.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// VerifyContact resolves the principal's registered delivery preference
// without opening a session. Callers use it to decide whether out-of-band
// verification is even possible for the principal.
func (e *Engine) VerifyContact(ctx context.Context, principalID string) (ContactPreference, error) {
	if e == nil || e.directory == nil {
		return ContactPreference{}, ErrEngineNotReady
	}
	if principalID == "" {
		return ContactPreference{}, ErrUserNotFound
	}

	pref, err := e.directory.GetFactorPreference(ctx, principalID)
	if err != nil {
		return ContactPreference{}, mapDirectoryError(err)
	}
	if pref.Contact == "" || pref.Factor == "" {
		return ContactPreference{}, ErrContactNotConfigured
	}
	return pref, nil
}

// AssertOpenSession reports whether the principal has an open, unverified
// session in the scope.
func (e *Engine) AssertOpenSession(ctx context.Context, principalID, scope string) (bool, error) {
	if e == nil || e.sessions == nil {
		return false, ErrEngineNotReady
	}
	if principalID == "" {
		return false, ErrUserNotFound
	}

	_, record, err := e.sessions.FindOpen(ctx, principalID, normalizeScope(scope))
	if err != nil {
		if errors.Is(err, errSessionNotFound) || errors.Is(err, errSessionExpired) {
			return false, nil
		}
		return false, mapSessionStoreError(err)
	}
	return !record.verified(), nil
}

// SessionInfo returns the read-only view of a session owned by the
// principal. Verified sessions remain inspectable until the retention window
// lapses; everything else surfaces ErrTokenInvalid.
func (e *Engine) SessionInfo(ctx context.Context, principalID, sessionID string) (*SessionInfo, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}
	if principalID == "" || sessionID == "" {
		return nil, ErrTokenInvalid
	}

	record, err := e.sessions.FindByIDForPrincipal(ctx, sessionID, principalID)
	if err != nil {
		if errors.Is(err, errSessionNotFound) || errors.Is(err, errSessionExpired) {
			return nil, ErrTokenInvalid
		}
		return nil, mapSessionStoreError(err)
	}

	return toSessionInfo(sessionID, record), nil
}

// InvalidateSession tears down the open session for the principal and scope.
// It is idempotent and returns how many sessions were removed (0 or 1).
func (e *Engine) InvalidateSession(ctx context.Context, principalID, scope string) (int, error) {
	if e == nil || e.sessions == nil {
		return 0, ErrEngineNotReady
	}
	if principalID == "" {
		return 0, ErrUserNotFound
	}

	scope = normalizeScope(scope)
	n, err := e.sessions.Invalidate(ctx, principalID, scope)
	if err != nil {
		mapped := mapSessionStoreError(err)
		e.emitAudit(ctx, auditEventSessionInvalidated, false, principalID, "", "", mapped, func() map[string]string {
			return map[string]string{
				"scope": scope,
			}
		})
		return 0, mapped
	}

	if n > 0 {
		e.metricInc(MetricSessionInvalidated)
	}
	e.emitAudit(ctx, auditEventSessionInvalidated, true, principalID, "", "", nil, func() map[string]string {
		return map[string]string{
			"scope": scope,
		}
	})
	return n, nil
}

func (e *Engine) rateLimitExempt(principalID string) bool {
	return e.config.RateLimit.Exempt != nil && e.config.RateLimit.Exempt(principalID)
}

func toSessionInfo(sessionID string, record *sessionRecord) *SessionInfo {
	info := &SessionInfo{
		ID:          sessionID,
		PrincipalID: record.PrincipalID,
		Scope:       record.Scope,
		Factor:      record.Factor,
		CreatedAt:   time.Unix(record.CreatedAt, 0),
		Verified:    record.verified(),
	}
	if record.ExpiresAt != 0 {
		info.ExpiresAt = time.Unix(record.ExpiresAt, 0)
	}
	if record.VerifiedAt != 0 {
		info.VerifiedAt = time.Unix(record.VerifiedAt, 0)
	}
	return info
}

func normalizeScope(scope string) string {
	if scope == "" {
		return "0"
	}
	return scope
}

func mapSessionStoreError(err error) error {
	switch {
	case errors.Is(err, errSessionNotFound),
		errors.Is(err, errSessionExpired),
		errors.Is(err, errSessionConsumed),
		errors.Is(err, errSessionTokenMismatch):
		return ErrTokenInvalid
	case errors.Is(err, errSessionBackend):
		return ErrSessionUnavailable
	default:
		return ErrSessionUnavailable
	}
}

func mapDirectoryError(err error) error {
	switch {
	case errors.Is(err, ErrUserNotFound):
		return ErrUserNotFound
	case errors.Is(err, ErrContactNotConfigured):
		return ErrContactNotConfigured
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return ErrDirectoryUnavailable
	}
}

func mapRateLimitError(err error, limited error) error {
	switch {
	case errors.Is(err, rate.ErrRateLimited):
		return limited
	case errors.Is(err, rate.ErrRedisUnavailable):
		return ErrSessionUnavailable
	default:
		return ErrSessionUnavailable
	}
}
