package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config defines retry backoff behavior.
type Config struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultConfig() Config {
	return Config{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
	}
}

// NextDelay returns the retry delay for attempt N (1-based).
func NextDelay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Sleep waits out the delay for attempt or returns ctx.Err() first.
func Sleep(ctx context.Context, cfg Config, attempt int, rng *rand.Rand) error {
	timer := time.NewTimer(NextDelay(cfg, attempt, rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
