// Package retry implements exponential backoff for retryable operations.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/aikaara/assembly-lime/llm"
)

// Config defines retry behavior.
type Config struct {
	MaxAttempts   int           `mapstructure:"max_attempts"` // including the first attempt
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	Jitter        bool          `mapstructure:"jitter"`
}

// DefaultConfig retries transient LLM failures for about a minute.
var DefaultConfig = Config{
	MaxAttempts:   4,
	InitialDelay:  2 * time.Second,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier reports whether an error is worth retrying.
type Classifier func(error) bool

// Policy combines a config with a classifier.
type Policy struct {
	Config     Config
	Classifier Classifier

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a policy. A nil classifier uses llm.IsTransient.
func NewPolicy(cfg Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = llm.IsTransient
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Policy{Config: cfg, Classifier: classifier, Sleep: sleep}
}

// CalculateDelay returns the wait before the given attempt (1-based).
// The first attempt never waits.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	factor := p.Config.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(factor, float64(attempt-2)))
	if p.Config.MaxDelay > 0 && delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}
	if p.Config.Jitter && delay > 0 {
		// +/-10%
		jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(delay))
		delay += jitter
	}
	return delay
}

// ShouldRetry applies the classifier.
func (p *Policy) ShouldRetry(err error) bool {
	return err != nil && p.Classifier(err)
}

// Do runs fn until it succeeds, fails with a non-retryable error or the
// attempts run out. onRetry, if set, is called before each wait.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, onRetry func(attempt int, delay time.Duration, err error)) error {
	var lastErr error
	for attempt := 1; attempt <= p.Config.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := p.CalculateDelay(attempt)
			if onRetry != nil {
				onRetry(attempt, delay, lastErr)
			}
			if err := p.Sleep(ctx, delay); err != nil {
				return fmt.Errorf("retry cancelled: %w", err)
			}
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || !p.ShouldRetry(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", p.Config.MaxAttempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
