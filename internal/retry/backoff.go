// Package retry holds the attempt/backoff policy shared by the handshake,
// apply_config and firmware_begin.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes the delay between attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter scales each delay by a random factor in [0.5, 1.5).
	Jitter bool
}

// DefaultBackoff doubles from 250ms with no cap or jitter.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// NextBackoffDelay returns the delay after failed attempt N (1-based):
// InitialDelay * Multiplier^(N-1), capped at MaxDelay when set. Jitter needs
// rng; with a nil rng the delay is left unscaled.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter && rng != nil {
		delay *= 0.5 + rng.Float64()
	}
	return time.Duration(delay)
}
