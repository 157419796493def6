package tokengate

import (
	"context"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestValidateRejectsBadSessionSettings(t *testing.T) {
	cfg := defaultConfig()
	cfg.Session.RedisPrefix = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected empty prefix to fail validation")
	}

	cfg = defaultConfig()
	cfg.Session.Expiry = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected zero expiry to fail validation")
	}

	cfg = defaultConfig()
	cfg.Session.Retention = -time.Hour
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected negative retention to fail validation")
	}
}

func TestValidateOTPDigitsBounds(t *testing.T) {
	cfg := defaultConfig()
	cfg.Token.OTPDigits = 4
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected 4 digits to fail validation")
	}

	cfg.Token.OTPDigits = 11
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected 11 digits to fail validation")
	}

	// A custom generator bypasses strategy checks entirely.
	cfg.Token.Generator = func() (string, error) { return "x", nil }
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected generator to bypass digit bounds: %v", err)
	}
}

func TestValidateFactorRequiresSend(t *testing.T) {
	cfg := defaultConfig()
	cfg.Delivery.Factors = map[string]FactorConfig{
		"mail": {},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected factor without Send to fail validation")
	}

	cfg.Delivery.Factors["mail"] = FactorConfig{
		Send: func(context.Context, string, string, FactorSettings) error { return nil },
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected factor with Send to validate: %v", err)
	}
}

func TestValidateProductionModeHardening(t *testing.T) {
	cfg := defaultConfig()
	cfg.Security.ProductionMode = true
	cfg.Delivery.LogTokenOnFailure = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected token fallback logging to be rejected in production mode")
	}

	cfg = defaultConfig()
	cfg.Security.ProductionMode = true
	cfg.Session.Expiry = 2 * time.Hour
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected long expiry to be rejected in production mode")
	}

	cfg.Session.Expiry = 30 * time.Minute
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected hardened config to validate: %v", err)
	}
}

func TestCloneConfigIsolatesMutableFields(t *testing.T) {
	cfg := defaultConfig()
	cfg.Credential.PrivateKey = []byte("secret")
	cfg.Delivery.Factors = map[string]FactorConfig{
		"mail": {Send: func(context.Context, string, string, FactorSettings) error { return nil }},
	}

	clone := cloneConfig(cfg)
	clone.Credential.PrivateKey[0] = 'X'
	delete(clone.Delivery.Factors, "mail")

	if cfg.Credential.PrivateKey[0] != 's' {
		t.Fatal("clone must not share key bytes")
	}
	if _, ok := cfg.Delivery.Factors["mail"]; !ok {
		t.Fatal("clone must not share the factor map")
	}
}

func TestBuilderRequiresCollaborators(t *testing.T) {
	if _, err := New().Build(); err == nil {
		t.Fatal("expected build without redis to fail")
	}

	mr, rdb := newTestRedis(t)
	defer mr.Close()

	if _, err := New().WithRedis(rdb).Build(); err == nil {
		t.Fatal("expected build without directory to fail")
	}

	if _, err := New().WithRedis(rdb).WithContactDirectory(tokenTestDirectory()).Build(); err == nil {
		t.Fatal("expected build without factors to fail")
	}

	builder := New().
		WithRedis(rdb).
		WithContactDirectory(tokenTestDirectory()).
		WithFactor("mail", FactorConfig{Send: func(context.Context, string, string, FactorSettings) error { return nil }})

	engine, err := builder.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	engine.Close()

	if _, err := builder.Build(); err == nil {
		t.Fatal("expected second Build on the same builder to fail")
	}
}
