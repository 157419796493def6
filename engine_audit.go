package tokengate

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventTokenRequested     = "token_requested"
	auditEventTokenRequestDenied = "token_request_denied"
	auditEventTokenDelivered     = "token_delivered"
	auditEventTokenDeliveryFail  = "token_delivery_failed"
	auditEventVerifySuccess      = "verify_success"
	auditEventVerifyFailure      = "verify_failure"
	auditEventVerifyRateLimited  = "verify_rate_limited"
	auditEventSessionInvalidated = "session_invalidated"
	auditEventCredentialIssued   = "credential_issued"
	auditEventCredentialFailure  = "credential_failure"
	auditEventRateLimitTriggered = "rate_limit_triggered"
)

// AuditErrorCode is the stable error vocabulary carried in audit events.
type AuditErrorCode string

const (
	auditErrUserNotFound         AuditErrorCode = "user_not_found"
	auditErrContactNotConfigured AuditErrorCode = "contact_not_configured"
	auditErrUnsupportedFactor    AuditErrorCode = "unsupported_factor"
	auditErrTokenInvalid         AuditErrorCode = "token_invalid"
	auditErrRateLimited          AuditErrorCode = "rate_limited"
	auditErrDeliveryTimeout      AuditErrorCode = "delivery_timeout"
	auditErrDeliveryFailed       AuditErrorCode = "delivery_failed"
	auditErrCredential           AuditErrorCode = "credential_issuance_failed"
	auditErrUnavailable          AuditErrorCode = "backend_unavailable"
	auditErrInternal             AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	principalID string,
	sessionID string,
	factor string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		PrincipalID: principalID,
		SessionID:   sessionID,
		Factor:      factor,
		IP:          clientIPFromContext(ctx),
		Success:     success,
		Metadata:    metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(
	ctx context.Context,
	operation string,
	principalID string,
	metadataBuilder func() map[string]string,
) {
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, principalID, "", "", nil, func() map[string]string {
		base := map[string]string{
			"operation": operation,
		}
		if metadataBuilder == nil {
			return base
		}
		for k, v := range metadataBuilder() {
			base[k] = v
		}
		return base
	})
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrUserNotFound):
		return auditErrUserNotFound
	case errors.Is(err, ErrContactNotConfigured):
		return auditErrContactNotConfigured
	case errors.Is(err, ErrUnsupportedFactor):
		return auditErrUnsupportedFactor
	case errors.Is(err, ErrTokenInvalid):
		return auditErrTokenInvalid
	case errors.Is(err, ErrRequestRateLimited),
		errors.Is(err, ErrVerifyRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrDeliveryTimeout):
		return auditErrDeliveryTimeout
	case errors.Is(err, ErrDeliveryFailed):
		return auditErrDeliveryFailed
	case errors.Is(err, ErrCredentialIssuance):
		return auditErrCredential
	case errors.Is(err, ErrSessionUnavailable),
		errors.Is(err, ErrDirectoryUnavailable),
		errors.Is(err, ErrEngineNotReady):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
