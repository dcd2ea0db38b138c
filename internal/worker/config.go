package worker

import (
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	Instance string
	LockTTL  time.Duration

	// primary publish
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// secondary action
	SecondaryMaxRetries  int
	SecondaryBackoffBase time.Duration

	// FallbackDelay is how far ahead a dispatch that could not be queued
	// is put back.
	FallbackDelay time.Duration

	Concurrency  int
	RatePerSec   float64
	RateBurst    int
	DequeueBlock time.Duration
	PromoteEvery time.Duration
	StalledBatch int

	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 15 * time.Minute
	}
	if c.SecondaryMaxRetries < 0 {
		c.SecondaryMaxRetries = 0
	}
	if c.SecondaryBackoffBase <= 0 {
		c.SecondaryBackoffBase = time.Minute
	}
	if c.FallbackDelay <= 0 {
		c.FallbackDelay = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.DequeueBlock <= 0 {
		c.DequeueBlock = 2 * time.Second
	}
	if c.PromoteEvery <= 0 {
		c.PromoteEvery = 30 * time.Second
	}
	if c.StalledBatch <= 0 {
		c.StalledBatch = 100
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// primaryBackoff is base * 2^(attempt-1), capped at max.
func (c Config) primaryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}

// secondaryBackoff is base * retryCount.
func (c Config) secondaryBackoff(retry int) time.Duration {
	return c.SecondaryBackoffBase * time.Duration(retry)
}

func (c Config) limiter() *rate.Limiter {
	if c.RatePerSec <= 0 {
		return nil
	}
	burst := c.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.RatePerSec), burst)
}
