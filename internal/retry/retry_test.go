package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aikaara/assembly-lime/llm"
)

func noJitter() Config {
	cfg := DefaultConfig
	cfg.Jitter = false
	return cfg
}

func TestCalculateDelay(t *testing.T) {
	p := NewPolicy(noJitter(), nil)
	assert.Equal(t, time.Duration(0), p.CalculateDelay(1))
	assert.Equal(t, 2*time.Second, p.CalculateDelay(2))
	assert.Equal(t, 4*time.Second, p.CalculateDelay(3))
	assert.Equal(t, 8*time.Second, p.CalculateDelay(4))
	assert.Equal(t, 30*time.Second, p.CalculateDelay(10))
}

func TestCalculateDelayJitterBounds(t *testing.T) {
	p := NewPolicy(DefaultConfig, nil)
	for i := 0; i < 100; i++ {
		d := p.CalculateDelay(2)
		assert.GreaterOrEqual(t, d, 1800*time.Millisecond)
		assert.LessOrEqual(t, d, 2200*time.Millisecond)
	}
}

func TestDoRetriesTransient(t *testing.T) {
	p := NewPolicy(noJitter(), nil)
	var slept []time.Duration
	p.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	var retried []int
	err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return llm.NewStatusError("test", 429, errors.New("slow down"))
		}
		return nil
	}, func(attempt int, _ time.Duration, err error) {
		retried = append(retried, attempt)
		assert.True(t, llm.IsTransient(err))
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{2, 3}, retried)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, slept)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	p := NewPolicy(noJitter(), nil)
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	auth := llm.NewStatusError("test", 401, errors.New("bad key"))

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return auth
	}, nil)
	assert.Equal(t, 1, calls)
	assert.Same(t, auth, err)
}

func TestDoGivesUp(t *testing.T) {
	p := NewPolicy(noJitter(), nil)
	p.Sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return llm.NewStatusError("test", 529, errors.New("overloaded"))
	}, nil)
	assert.Equal(t, 4, calls)
	assert.True(t, llm.IsTransient(err))
	assert.Contains(t, err.Error(), "giving up after 4 attempts")
}

func TestDoHonoursCancellation(t *testing.T) {
	p := NewPolicy(noJitter(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Do(ctx, func(context.Context, int) error {
		return llm.NewStatusError("test", 503, errors.New("unavailable"))
	}, nil)
	assert.True(t, llm.IsTransient(err))
	assert.NotContains(t, err.Error(), "giving up")
}

func TestSleepReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, sleep(ctx, time.Minute), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
