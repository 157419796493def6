package tokengate

import "errors"

var (
	// ErrUserNotFound reports that the principal does not exist in the
	// contact directory.
	ErrUserNotFound = errors.New("principal not found")
	// ErrContactNotConfigured reports that the principal has no registered
	// {contact, factor} preference.
	ErrContactNotConfigured = errors.New("contact preference not configured")
	// ErrUnsupportedFactor reports that the requested delivery factor is not
	// registered with the engine.
	ErrUnsupportedFactor = errors.New("unsupported delivery factor")
	// ErrTokenInvalid is the uniform verification failure. It deliberately
	// does not distinguish a wrong token from an expired, missing, or
	// already-verified session.
	ErrTokenInvalid = errors.New("invalid token or session")
	// ErrRequestRateLimited reports that token requests for the caller are
	// throttled.
	ErrRequestRateLimited = errors.New("token request rate limited")
	// ErrVerifyRateLimited reports that verification attempts for the caller
	// are throttled.
	ErrVerifyRateLimited = errors.New("token verification rate limited")
	// ErrDeliveryTimeout reports that the factor's send did not complete
	// within the configured timeout.
	ErrDeliveryTimeout = errors.New("token delivery timed out")
	// ErrDeliveryFailed wraps a factor send failure.
	ErrDeliveryFailed = errors.New("token delivery failed")
	// ErrCredentialIssuance reports that the credential issuer failed after
	// a successful verification. The session stays verified.
	ErrCredentialIssuance = errors.New("credential issuance failed")
	// ErrSessionUnavailable reports a session store backend failure.
	ErrSessionUnavailable = errors.New("session backend unavailable")
	// ErrDirectoryUnavailable reports a contact directory backend failure.
	ErrDirectoryUnavailable = errors.New("contact directory unavailable")
	// ErrEngineNotReady reports that the engine is missing a required
	// dependency.
	ErrEngineNotReady = errors.New("engine not initialized")
)
