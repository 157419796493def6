package tokengate

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/tokengate/tokengate/internal/audit"
)

// ContactPreference is a principal's registered out-of-band destination:
// a contact address and the name of the factor used to reach it.
type ContactPreference struct {
	Contact string
	Factor  string
}

// ContactDirectory is the collaborator that knows where a principal's
// verification tokens should go. Implementations return [ErrUserNotFound]
// for unknown principals and [ErrContactNotConfigured] for principals
// without a registered preference.
type ContactDirectory interface {
	GetFactorPreference(ctx context.Context, principalID string) (ContactPreference, error)
}

// CredentialIssuer is the bridge that mints a long-lived login credential
// once a principal has completed out-of-band verification. The default
// implementation is [github.com/tokengate/tokengate/jwt.Manager].
type CredentialIssuer interface {
	IssueCredential(ctx context.Context, principalID string) (string, error)
}

// FactorSettings is passed to a factor's [SendFunc] on every delivery.
type FactorSettings struct {
	Name    string
	Timeout time.Duration
	Options map[string]string
}

// SendFunc delivers a token to a contact address over one factor.
// The context carries the delivery deadline; a send that outlives it is
// abandoned and its eventual result discarded.
type SendFunc func(ctx context.Context, contact, token string, settings FactorSettings) error

// RequestResult is returned by [Engine.RequestToken]. Delivery problems do
// not fail the request: the session stays open and DeliveryError carries
// the reason ([ErrDeliveryTimeout], [ErrDeliveryFailed], or
// [ErrUnsupportedFactor]).
type RequestResult struct {
	SessionID string
	Factor    string
	Contact   string

	Delivered     bool
	DeliveryError error
}

// SessionInfo is a read-only view of a verification session, without the
// token. Verified sessions remain inspectable for the retention window.
type SessionInfo struct {
	ID          string
	PrincipalID string
	Scope       string
	Factor      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	VerifiedAt  time.Time
	Verified    bool
}

// AuditEvent is a structured audit record emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the engine's audit dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer].
type JSONWriterSink = internalaudit.JSONWriterSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}
