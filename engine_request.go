package tokengate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tokengate/tokengate/internal"
)

// RequestToken opens a verification session for the principal in the scope,
// generates a fresh token, and delivers it over the principal's registered
// factor. Any session still open for the same (principal, scope) pair is
// displaced; its token stops verifying immediately.
//
// Delivery problems do not fail the request. The session stays open and the
// outcome is reported in [RequestResult], so a caller can offer a resend
// while an operator-side delivery issue is being resolved.
func (e *Engine) RequestToken(ctx context.Context, principalID, scope string) (*RequestResult, error) {
	if e == nil || e.sessions == nil || e.dispatcher == nil || e.directory == nil {
		return nil, ErrEngineNotReady
	}
	if principalID == "" {
		e.metricInc(MetricRequestFailure)
		e.emitAudit(ctx, auditEventTokenRequestDenied, false, "", "", "", ErrUserNotFound, func() map[string]string {
			return map[string]string{
				"reason": "empty_principal",
			}
		})
		return nil, ErrUserNotFound
	}

	scope = normalizeScope(scope)

	if e.rateLimiter != nil && !e.rateLimitExempt(principalID) {
		if err := e.rateLimiter.AllowRequest(ctx, principalID, scope, clientIPFromContext(ctx)); err != nil {
			mapped := mapRateLimitError(err, ErrRequestRateLimited)
			if errors.Is(mapped, ErrRequestRateLimited) {
				e.metricInc(MetricRequestRateLimited)
				e.emitRateLimit(ctx, "token_request", principalID, func() map[string]string {
					return map[string]string{
						"scope": scope,
					}
				})
			} else {
				e.metricInc(MetricRequestFailure)
			}
			e.emitAudit(ctx, auditEventTokenRequestDenied, false, principalID, "", "", mapped, func() map[string]string {
				return map[string]string{
					"scope": scope,
				}
			})
			return nil, mapped
		}
	}

	pref, err := e.VerifyContact(ctx, principalID)
	if err != nil {
		e.metricInc(MetricRequestFailure)
		e.emitAudit(ctx, auditEventTokenRequestDenied, false, principalID, "", "", err, func() map[string]string {
			return map[string]string{
				"scope": scope,
			}
		})
		return nil, err
	}

	if _, ok := e.config.Delivery.Factors[pref.Factor]; !ok {
		e.metricInc(MetricRequestFailure)
		e.emitAudit(ctx, auditEventTokenRequestDenied, false, principalID, "", pref.Factor, ErrUnsupportedFactor, func() map[string]string {
			return map[string]string{
				"scope": scope,
			}
		})
		return nil, ErrUnsupportedFactor
	}

	token, err := e.generateToken()
	if err != nil {
		e.metricInc(MetricRequestFailure)
		e.emitAudit(ctx, auditEventTokenRequestDenied, false, principalID, "", pref.Factor, err, func() map[string]string {
			return map[string]string{
				"scope":  scope,
				"reason": "token_generation",
			}
		})
		return nil, err
	}

	now := time.Now()
	record := &sessionRecord{
		PrincipalID: principalID,
		Scope:       scope,
		Factor:      pref.Factor,
		TokenHash:   internal.HashToken(token),
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(e.config.Session.Expiry).Unix(),
	}

	sessionID, replaced, err := e.sessions.Create(ctx, record, e.config.Session.Expiry)
	if err != nil {
		mapped := mapSessionStoreError(err)
		e.metricInc(MetricRequestFailure)
		e.emitAudit(ctx, auditEventTokenRequestDenied, false, principalID, "", pref.Factor, mapped, func() map[string]string {
			return map[string]string{
				"scope": scope,
			}
		})
		return nil, mapped
	}

	e.metricInc(MetricSessionCreated)
	if replaced {
		e.metricInc(MetricSessionReplaced)
	}

	result := &RequestResult{
		SessionID: sessionID,
		Factor:    pref.Factor,
		Contact:   pref.Contact,
		Delivered: true,
	}

	if err := e.dispatcher.Deliver(ctx, pref.Factor, pref.Contact, token); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}

		result.Delivered = false
		result.DeliveryError = err
		switch {
		case errors.Is(err, ErrDeliveryTimeout):
			e.metricInc(MetricDeliveryTimeout)
		default:
			e.metricInc(MetricDeliveryFailure)
		}
		e.emitAudit(ctx, auditEventTokenDeliveryFail, false, principalID, sessionID, pref.Factor, err, func() map[string]string {
			return map[string]string{
				"scope": scope,
			}
		})
	} else {
		e.metricInc(MetricDeliverySuccess)
		e.emitAudit(ctx, auditEventTokenDelivered, true, principalID, sessionID, pref.Factor, nil, func() map[string]string {
			return map[string]string{
				"scope": scope,
			}
		})
	}

	e.metricInc(MetricRequestSuccess)
	e.emitAudit(ctx, auditEventTokenRequested, true, principalID, sessionID, pref.Factor, nil, func() map[string]string {
		return map[string]string{
			"scope":    scope,
			"replaced": boolString(replaced),
		}
	})

	return result, nil
}

func (e *Engine) generateToken() (string, error) {
	if e.config.Token.Generator != nil {
		return e.config.Token.Generator()
	}

	switch e.config.Token.Strategy {
	case TokenOTP:
		return internal.NewOTP(e.config.Token.OTPDigits)
	case TokenOpaque:
		return internal.NewOpaqueToken()
	case TokenUUID:
		return uuid.New().String(), nil
	default:
		return "", errors.New("unsupported token strategy")
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
