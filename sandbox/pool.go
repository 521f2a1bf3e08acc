package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PoolConfig configures the pre-warming pool.
type PoolConfig struct {
	// Size is the number of warm sandboxes to maintain (default 2).
	Size int
	// Image is the image to pre-warm with. Requests for another image
	// bypass the pool.
	Image string
	// Env is the base environment of pre-warmed sandboxes.
	Env map[string]string
	// RefillInterval is how often to check and refill the pool (default 10s).
	RefillInterval time.Duration
}

// Pool wraps a Provider and keeps empty sandboxes ready so that run
// startup does not wait for provisioning.
type Pool struct {
	Provider

	config PoolConfig
	logger *zap.Logger

	mu     sync.Mutex
	warm   []string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pre-warming pool around the given provider.
func NewPool(inner Provider, cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 2
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{Provider: inner, config: cfg, logger: logger.With(zap.String("component", "sandbox-pool"))}
}

// StartPool begins the background refill loop. Call StopPool to shut down.
func (p *Pool) StartPool(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.refillLoop(ctx)
	}()
}

// StopPool stops the refill loop and deletes the warm sandboxes.
func (p *Pool) StopPool() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	warm := p.warm
	p.warm = nil
	p.mu.Unlock()

	ctx := context.Background()
	for _, id := range warm {
		if err := p.Provider.Delete(ctx, id); err != nil {
			p.logger.Warn("failed to clean up warm sandbox", zap.String("sandbox_id", shortID(id)), zap.Error(err))
		}
	}
}

// Unwrap returns the provider the pool draws sandboxes from.
func (p *Pool) Unwrap() Provider { return p.Provider }

// PoolStats returns the current number of warm sandboxes.
func (p *Pool) PoolStats() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warm)
}

// Create claims a warm sandbox if one is available and still running,
// or falls back to creating a fresh one.
func (p *Pool) Create(ctx context.Context, opts CreateOptions) (Info, error) {
	if opts.Image == "" || opts.Image == p.config.Image {
		for {
			id := p.claimWarm()
			if id == "" {
				break
			}
			info, err := p.Provider.Get(ctx, id)
			if err == nil && info.State == StateStarted {
				p.logger.Info("claimed pre-warmed sandbox", zap.String("sandbox_id", shortID(id)))
				return info, nil
			}
			p.logger.Warn("discarding stale warm sandbox", zap.String("sandbox_id", shortID(id)), zap.Error(err))
			_ = p.Provider.Delete(ctx, id)
		}
	}
	return p.Provider.Create(ctx, opts)
}

// claimWarm pops a sandbox from the warm pool. Returns "" if none available.
func (p *Pool) claimWarm() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.warm) == 0 {
		return ""
	}
	id := p.warm[0]
	p.warm = p.warm[1:]
	return id
}

func (p *Pool) refillLoop(ctx context.Context) {
	p.refill(ctx)

	ticker := time.NewTicker(p.config.RefillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refill(ctx)
		}
	}
}

func (p *Pool) refill(ctx context.Context) {
	p.mu.Lock()
	deficit := p.config.Size - len(p.warm)
	p.mu.Unlock()

	for i := 0; i < deficit; i++ {
		info, err := p.Provider.Create(ctx, CreateOptions{
			Labels: map[string]string{"lime.pool": "warm", "lime.warm-id": fmt.Sprint(time.Now().UnixNano())},
			Env:    p.config.Env,
			Image:  p.config.Image,
		})
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("failed to pre-warm sandbox", zap.Error(err))
			}
			return
		}
		p.mu.Lock()
		p.warm = append(p.warm, info.ID)
		n := len(p.warm)
		p.mu.Unlock()
		p.logger.Debug("pre-warmed sandbox", zap.String("sandbox_id", shortID(info.ID)), zap.Int("warm", n), zap.Int("size", p.config.Size))
	}
}

// shortID returns the first 12 characters of an ID, or the full ID if shorter.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
