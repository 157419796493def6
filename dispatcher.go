package tokengate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// tokenDispatcher hands generated tokens to the configured delivery factor
// with a bounded wait. A Send that outlives its deadline keeps running in its
// goroutine but the result is discarded; the session stays open either way so
// a late delivery is still verifiable.
type tokenDispatcher struct {
	cfg DeliveryConfig
}

func newTokenDispatcher(cfg DeliveryConfig) *tokenDispatcher {
	return &tokenDispatcher{cfg: cfg}
}

func (d *tokenDispatcher) timeoutFor(fc FactorConfig) time.Duration {
	if fc.Timeout > 0 {
		return fc.Timeout
	}
	return d.cfg.DefaultTimeout
}

// Deliver sends the token over the named factor. It returns
// ErrUnsupportedFactor for unknown factors, ErrDeliveryTimeout when the
// factor misses its deadline, and ErrDeliveryFailed when it reports an error.
func (d *tokenDispatcher) Deliver(ctx context.Context, factor, contact, token string) error {
	fc, ok := d.cfg.Factors[factor]
	if !ok {
		return ErrUnsupportedFactor
	}

	timeout := d.timeoutFor(fc)
	settings := FactorSettings{
		Name:    factor,
		Timeout: timeout,
		Options: fc.Options,
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- fc.Send(sendCtx, contact, token, settings)
	}()

	select {
	case err := <-result:
		if err != nil {
			d.fallbackLog(factor, contact, token, err)
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
		return nil
	case <-sendCtx.Done():
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			d.fallbackLog(factor, contact, token, sendCtx.Err())
			return ErrDeliveryTimeout
		}
		return sendCtx.Err()
	}
}

// fallbackLog exposes the live token in the process log. Gated behind
// LogTokenOnFailure, which Validate rejects in production mode.
func (d *tokenDispatcher) fallbackLog(factor, contact, token string, cause error) {
	if !d.cfg.LogTokenOnFailure {
		return
	}
	log.Printf("tokengate: INSECURE delivery fallback factor=%s contact=%s token=%s cause=%v",
		factor, contact, token, cause)
}
