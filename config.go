package tokengate

import (
	"errors"
	"time"
)

// Config holds all engine tuning. It is cloned by [Builder.Build] and
// treated as immutable afterwards; there is no way to reconfigure a running
// engine.
type Config struct {
	Session   SessionConfig
	Token     TokenConfig
	Delivery  DeliveryConfig
	RateLimit RateLimitConfig

	// Credential configures the built-in JWT credential issuer. Ignored when
	// a custom [CredentialIssuer] is supplied to the builder.
	Credential CredentialConfig

	Audit    AuditConfig
	Metrics  MetricsConfig
	Security SecurityConfig
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls session lifetime and storage layout.
type SessionConfig struct {
	RedisPrefix string

	// Expiry is how long an unverified session (and its token) stays valid.
	Expiry time.Duration

	// Retention is how long a verified session record is kept for audit
	// before it is physically removed.
	Retention time.Duration
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenStrategyType selects how verification tokens are generated.
type TokenStrategyType int

const (
	// TokenOTP generates a numeric one-time code of OTPDigits digits.
	TokenOTP TokenStrategyType = iota
	// TokenOpaque generates a 32-byte random value, base64url encoded.
	TokenOpaque
	// TokenUUID generates a random UUID string.
	TokenUUID
)

// TokenConfig controls token generation.
type TokenConfig struct {
	Strategy  TokenStrategyType
	OTPDigits int

	// Generator, when set, overrides Strategy entirely.
	Generator func() (string, error)
}

/*
====================================
DELIVERY CONFIG
====================================
*/

// FactorConfig describes one registered delivery channel.
type FactorConfig struct {
	// Send is the channel's delivery capability. Required.
	Send SendFunc

	// Timeout bounds a single delivery on this factor. Zero falls back to
	// [DeliveryConfig.DefaultTimeout].
	Timeout time.Duration

	// Options is free-form per-channel settings, passed through to Send.
	Options map[string]string
}

// DeliveryConfig holds the factor registry and global delivery policy.
type DeliveryConfig struct {
	DefaultTimeout time.Duration

	// LogTokenOnFailure writes the live token to the process log when
	// delivery fails, so an operator can hand it over out-of-band. This is
	// an anti-lockout measure for development and staging only; it weakens
	// token confidentiality and is rejected in production mode.
	LogTokenOnFailure bool

	Factors map[string]FactorConfig
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig caps request- and verify-class operations per caller.
type RateLimitConfig struct {
	MaxRequests   int
	RequestWindow time.Duration

	MaxVerifies  int
	VerifyWindow time.Duration

	EnableIPThrottle bool

	// Exempt, when set, skips rate limiting for principals it accepts
	// (e.g. service accounts under test).
	Exempt func(principalID string) bool
}

/*
====================================
CREDENTIAL CONFIG
====================================
*/

// CredentialConfig configures the default JWT credential issuer.
type CredentialConfig struct {
	TTL           time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
}

// AuditConfig controls the audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the in-process metrics system.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// SecurityConfig holds cross-cutting hardening switches.
type SecurityConfig struct {
	ProductionMode bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the configuration [New] starts from. Callers tune
// individual fields and pass the result to [Builder.WithConfig].
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Session: SessionConfig{
			RedisPrefix: "tg",
			Expiry:      5 * time.Minute,
			Retention:   24 * time.Hour,
		},
		Token: TokenConfig{
			Strategy:  TokenOTP,
			OTPDigits: 6,
		},
		Delivery: DeliveryConfig{
			DefaultTimeout:    10 * time.Second,
			LogTokenOnFailure: false,
		},
		RateLimit: RateLimitConfig{
			MaxRequests:      5,
			RequestWindow:    15 * time.Minute,
			MaxVerifies:      10,
			VerifyWindow:     5 * time.Minute,
			EnableIPThrottle: true,
		},
		Credential: CredentialConfig{
			TTL:           90 * 24 * time.Hour,
			SigningMethod: "ed25519",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Security: SecurityConfig{
			ProductionMode: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Credential.PrivateKey = cloneBytes(cfg.Credential.PrivateKey)
	out.Credential.PublicKey = cloneBytes(cfg.Credential.PublicKey)
	if cfg.Delivery.Factors != nil {
		out.Delivery.Factors = make(map[string]FactorConfig, len(cfg.Delivery.Factors))
		for name, fc := range cfg.Delivery.Factors {
			out.Delivery.Factors[name] = fc
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks the configuration once, at build time. After a successful
// Build no further validation happens.
func (c *Config) Validate() error {
	// Session
	if c.Session.RedisPrefix == "" {
		return errors.New("Session RedisPrefix must not be empty")
	}
	if c.Session.Expiry <= 0 {
		return errors.New("Session Expiry must be > 0")
	}
	if c.Session.Retention <= 0 {
		return errors.New("Session Retention must be > 0")
	}

	// Token
	if c.Token.Generator == nil {
		switch c.Token.Strategy {
		case TokenOTP:
			if c.Token.OTPDigits < 6 || c.Token.OTPDigits > 10 {
				return errors.New("Token OTPDigits must be between 6 and 10")
			}
		case TokenOpaque, TokenUUID:
			// valid
		default:
			return errors.New("Token Strategy is invalid")
		}
	}

	// Delivery
	if c.Delivery.DefaultTimeout <= 0 {
		return errors.New("Delivery DefaultTimeout must be > 0")
	}
	for name, fc := range c.Delivery.Factors {
		if name == "" {
			return errors.New("Delivery factor name must not be empty")
		}
		if fc.Send == nil {
			return errors.New("Delivery factor " + name + " must declare a Send capability")
		}
		if fc.Timeout < 0 {
			return errors.New("Delivery factor " + name + " Timeout must be >= 0")
		}
	}
	if c.Delivery.LogTokenOnFailure && c.Security.ProductionMode {
		return errors.New("Delivery LogTokenOnFailure must be disabled in ProductionMode")
	}

	// Rate limit
	if c.RateLimit.MaxRequests <= 0 {
		return errors.New("RateLimit MaxRequests must be > 0")
	}
	if c.RateLimit.RequestWindow <= 0 {
		return errors.New("RateLimit RequestWindow must be > 0")
	}
	if c.RateLimit.MaxVerifies <= 0 {
		return errors.New("RateLimit MaxVerifies must be > 0")
	}
	if c.RateLimit.VerifyWindow <= 0 {
		return errors.New("RateLimit VerifyWindow must be > 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	if c.Security.ProductionMode && c.Session.Expiry > time.Hour {
		return errors.New("ProductionMode requires Session Expiry <= 1h")
	}

	return nil
}
