package tokengate

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/tokengate/tokengate/internal/audit"
	"github.com/tokengate/tokengate/internal/rate"
	"github.com/tokengate/tokengate/jwt"
)

// Builder assembles an [Engine]. A Builder is single-use: Build validates the
// configuration once and the resulting Engine is immutable.
type Builder struct {
	config Config
	redis  *redis.Client

	directory ContactDirectory
	issuer    CredentialIssuer
	auditSink AuditSink

	built bool
}

// New returns a Builder seeded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the builder's configuration. The value is cloned.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing sessions and rate limiting.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithContactDirectory sets the collaborator that resolves principal
// delivery preferences. Required.
func (b *Builder) WithContactDirectory(dir ContactDirectory) *Builder {
	b.directory = dir
	return b
}

// WithCredentialIssuer replaces the default JWT credential bridge with a
// custom issuer.
func (b *Builder) WithCredentialIssuer(issuer CredentialIssuer) *Builder {
	b.issuer = issuer
	return b
}

// WithFactor registers a delivery factor under the given name.
func (b *Builder) WithFactor(name string, fc FactorConfig) *Builder {
	if b.config.Delivery.Factors == nil {
		b.config.Delivery.Factors = make(map[string]FactorConfig)
	}
	b.config.Delivery.Factors[name] = fc
	return b
}

// WithAuditSink sets the destination for audit events and enables auditing.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	b.config.Audit.Enabled = true
	return b
}

// WithMetricsEnabled toggles the in-process metrics recorder.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the verification latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and assembles the Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.directory == nil {
		return nil, errors.New("contact directory required")
	}
	if len(cfg.Delivery.Factors) == 0 {
		return nil, errors.New("at least one delivery factor required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	engine := &Engine{
		config:    cfg,
		sessions:  newSessionStore(b.redis, cfg.Session.RedisPrefix),
		directory: b.directory,
	}

	engine.rateLimiter = rate.New(b.redis, rate.Config{
		KeyPrefix:        cfg.Session.RedisPrefix,
		EnableIPThrottle: cfg.RateLimit.EnableIPThrottle,
		MaxRequests:      cfg.RateLimit.MaxRequests,
		RequestWindow:    cfg.RateLimit.RequestWindow,
		MaxVerifies:      cfg.RateLimit.MaxVerifies,
		VerifyWindow:     cfg.RateLimit.VerifyWindow,
	})
	engine.dispatcher = newTokenDispatcher(cfg.Delivery)
	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	engine.issuer = b.issuer
	if engine.issuer == nil && credentialKeysConfigured(cfg.Credential) {
		jm, err := jwt.NewManager(jwt.Config{
			TTL:           cfg.Credential.TTL,
			SigningMethod: jwt.SigningMethod(cfg.Credential.SigningMethod),
			PrivateKey:    cloneBytes(cfg.Credential.PrivateKey),
			PublicKey:     cloneBytes(cfg.Credential.PublicKey),
			Issuer:        cfg.Credential.Issuer,
			Audience:      cfg.Credential.Audience,
		})
		if err != nil {
			return nil, err
		}
		engine.issuer = jm
	}

	b.built = true

	return engine, nil
}

// credentialKeysConfigured reports whether the default JWT bridge can be
// built from the config. Without keys and without a custom issuer the engine
// still verifies tokens but refuses credential issuance.
func credentialKeysConfigured(cfg CredentialConfig) bool {
	return len(cfg.PrivateKey) > 0 || len(cfg.PublicKey) > 0
}
