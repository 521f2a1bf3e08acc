package lime

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/aikaara/assembly-lime/engine"
	"github.com/aikaara/assembly-lime/eventbus"
	"github.com/aikaara/assembly-lime/internal/config"
	"github.com/aikaara/assembly-lime/internal/ghapp"
	"github.com/aikaara/assembly-lime/internal/github"
	"github.com/aikaara/assembly-lime/internal/metrics"
	"github.com/aikaara/assembly-lime/internal/queue"
	"github.com/aikaara/assembly-lime/llm"
	"github.com/aikaara/assembly-lime/llm/anthropic"
	"github.com/aikaara/assembly-lime/llm/google"
	"github.com/aikaara/assembly-lime/llm/ollama"
	"github.com/aikaara/assembly-lime/llm/openai"
	"github.com/aikaara/assembly-lime/model"
	"github.com/aikaara/assembly-lime/sandbox"
	"github.com/aikaara/assembly-lime/sandbox/docker"
	"github.com/aikaara/assembly-lime/sandbox/local"
	"github.com/aikaara/assembly-lime/sandbox/remote"
	sqliteStore "github.com/aikaara/assembly-lime/store/sqlite"
	"github.com/aikaara/assembly-lime/workspace"
)

// applyDefaults fills in missing components from the configuration.
func applyDefaults(b *Builder) error {
	if b.config == nil {
		return fmt.Errorf("lime: configuration is required")
	}
	cfg := b.config
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.metrics == nil {
		b.metrics = metrics.New()
	}

	if b.store == nil {
		if err := cfg.EnsureDataDir(); err != nil {
			return err
		}
		st, err := sqliteStore.New(cfg.Store.DBPath)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
	}
	b.closers = append(b.closers, b.store)

	if b.bus == nil {
		bus, err := newBus(cfg.Bus, b.logger)
		if err != nil {
			return err
		}
		b.bus = bus
	}
	b.closers = append(b.closers, b.bus)

	if b.consumer == nil && cfg.Queue.Driver != "" {
		c, err := newConsumer(cfg.Queue, b.logger)
		if err != nil {
			return err
		}
		b.consumer = c
	}
	if b.consumer != nil {
		b.closers = append(b.closers, b.consumer)
	}

	if b.llm == nil {
		reg, err := newRegistry(cfg.LLM)
		if err != nil {
			return err
		}
		b.llm = reg
	}

	if len(b.providers) == 0 {
		if err := addSandboxProviders(b); err != nil {
			return err
		}
	}
	if _, ok := b.providers[cfg.Sandbox.Provider]; !ok {
		for name := range b.providers {
			cfg.Sandbox.Provider = name
			break
		}
	}
	if cfg.Sandbox.PoolSize > 0 {
		if p, ok := b.providers[cfg.Sandbox.Provider]; ok {
			if _, pooled := p.(*sandbox.Pool); !pooled {
				b.providers[cfg.Sandbox.Provider] = sandbox.NewPool(p, sandbox.PoolConfig{
					Size:  cfg.Sandbox.PoolSize,
					Image: cfg.Sandbox.Image,
				}, b.logger)
			}
		}
	}

	if b.credentials == nil {
		src, err := newCredentials(cfg.GitHub)
		if err != nil {
			return err
		}
		b.credentials = src
	}
	if b.prs == nil {
		b.prs = pullRequestFactory(cfg.GitHub)
	}
	return nil
}

func newBus(cfg config.BusConfig, logger *zap.Logger) (eventbus.Bus, error) {
	switch cfg.Driver {
	case "", "memory":
		return eventbus.NewMemory(), nil
	case "redis":
		return eventbus.NewRedis(cfg.URL, cfg.Prefix, logger)
	case "nats":
		return eventbus.NewNATS(cfg.URL, cfg.Prefix, logger)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}

func newConsumer(cfg config.QueueConfig, logger *zap.Logger) (queue.Consumer, error) {
	key := cfg.Key
	if key == "" {
		key = "lime.jobs"
	}
	switch cfg.Driver {
	case "redis":
		return queue.NewRedis(cfg.URL, key, logger)
	case "nats":
		return queue.NewNATS(cfg.URL, key, cfg.Group, logger)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

// NewProducer opens the configured queue for enqueueing jobs. The closer
// releases the connection.
func NewProducer(cfg config.QueueConfig, logger *zap.Logger) (queue.Producer, io.Closer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := newConsumer(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	p, ok := c.(queue.Producer)
	if !ok {
		c.Close()
		return nil, nil, fmt.Errorf("queue driver %q cannot enqueue", cfg.Driver)
	}
	return p, c, nil
}

// newRegistry registers a factory for every provider with credentials. A
// job's model overrides the configured default model.
func newRegistry(cfg config.LLMConfig) (*llm.Registry, error) {
	reg := llm.NewRegistry()
	pick := func(jobModel, configured string) string {
		if jobModel != "" {
			return jobModel
		}
		return configured
	}
	if c := cfg.Anthropic; c.APIKey != "" {
		reg.Register(model.ProviderAnthropic, func(m string) (llm.Client, error) {
			var opts []anthropic.Option
			if c.BaseURL != "" {
				opts = append(opts, anthropic.WithBaseURL(c.BaseURL))
			}
			return anthropic.New(c.APIKey, pick(m, c.Model), opts...), nil
		})
	}
	if c := cfg.OpenAI; c.APIKey != "" {
		reg.Register(model.ProviderOpenAI, func(m string) (llm.Client, error) {
			var opts []openai.Option
			if c.BaseURL != "" {
				opts = append(opts, openai.WithBaseURL(c.BaseURL))
			}
			return openai.New(c.APIKey, pick(m, c.Model), opts...), nil
		})
	}
	if c := cfg.Google; c.APIKey != "" {
		reg.Register(model.ProviderGoogle, func(m string) (llm.Client, error) {
			return google.New(c.APIKey, pick(m, c.Model)), nil
		})
	}
	if c := cfg.Ollama; c.BaseURL != "" {
		reg.Register(model.ProviderOllama, func(m string) (llm.Client, error) {
			return ollama.New(c.BaseURL, pick(m, c.Model))
		})
	}
	return reg, nil
}

// addSandboxProviders registers the docker provider (local or over SSH),
// the host-directory provider and, when configured, the remote sandbox API.
func addSandboxProviders(b *Builder) error {
	cfg := b.config.Sandbox
	var runner docker.Runner = docker.LocalRunner{}
	if d := cfg.Docker; d.SSHHost != "" {
		r, err := docker.NewSSHRunner(docker.SSHConfig{
			Host:           d.SSHHost,
			User:           d.SSHUser,
			KeyPath:        d.SSHKeyPath,
			KnownHostsPath: d.KnownHostsPath,
		})
		if err != nil {
			return fmt.Errorf("configuring docker over ssh: %w", err)
		}
		runner = r
		b.closers = append(b.closers, r)
	}
	b.providers["docker"] = docker.New(runner, docker.Config{
		Image:      cfg.Image,
		Network:    cfg.Docker.Network,
		PublicHost: cfg.Docker.PublicHost,
		Memory:     cfg.Docker.Memory,
		CPUs:       cfg.Docker.CPUs,
	})
	root := cfg.Local.Root
	if root == "" {
		root = filepath.Join(b.config.Store.DataDir, "sandboxes")
	}
	b.providers["local"] = local.New(local.Config{Root: root, PublicHost: cfg.Local.PublicHost})
	if cfg.Remote.URL != "" {
		b.providers["remote"] = remote.New(cfg.Remote.URL, cfg.Remote.APIKey)
	}
	return nil
}

// newCredentials prefers a GitHub App over a personal access token. With
// neither, runs clone without credentials.
func newCredentials(cfg config.GitHubConfig) (ghapp.Source, error) {
	if cfg.AppID != 0 {
		pem, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading GitHub App private key: %w", err)
		}
		var opts []ghapp.Option
		if cfg.BaseURL != "" {
			opts = append(opts, ghapp.WithBaseURL(cfg.BaseURL))
		}
		return ghapp.NewIssuer(cfg.AppID, pem, opts...)
	}
	if cfg.Token != "" {
		return ghapp.Static(cfg.Token), nil
	}
	return nil, nil
}

func pullRequestFactory(cfg config.GitHubConfig) engine.PullRequestFactory {
	return func(token string) (engine.PullRequests, error) {
		if token == "" {
			token = cfg.Token
		}
		if token == "" {
			return nil, fmt.Errorf("no GitHub token for pull requests")
		}
		return github.NewClient(token, cfg.BaseURL)
	}
}

func workspaceConfig(cfg *config.Config) workspace.Config {
	return workspace.Config{
		Image:        cfg.Sandbox.Image,
		WorkDir:      cfg.Sandbox.WorkDir,
		AutoStop:     cfg.Sandbox.AutoStop,
		PollAttempts: cfg.Sandbox.PollAttempts,
		PollInterval: cfg.Sandbox.PollInterval,
		PreviewTTL:   cfg.Sandbox.PreviewTTL,
	}
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		BranchPrefix:      cfg.GitHub.BranchPrefix,
		CommitAuthor:      cfg.GitHub.CommitAuthor,
		CommitEmail:       cfg.GitHub.CommitEmail,
		DefaultTimeBudget: cfg.Run.TimeBudget,
		DefaultMaxTurns:   cfg.Run.MaxTurns,
		MaxTokens:         cfg.LLM.MaxTokens,
		CheckpointEvery:   cfg.Run.CheckpointEvery,
		ApprovalTimeout:   cfg.Run.ApprovalTimeout,
		Heartbeat:         cfg.Run.Heartbeat,
		Concurrency:       cfg.Run.Concurrency,
		FollowUp:          followUpConfig(cfg),
		Retry:             cfg.Retry,
	}
}

func followUpConfig(cfg *config.Config) engine.FollowUpConfig {
	f := cfg.FollowUp
	return engine.FollowUpConfig{
		PollInterval:     f.PollInterval,
		Jitter:           f.Jitter,
		ShortIdle:        f.ShortIdle,
		LongIdle:         f.LongIdle,
		StatusCheckEvery: f.StatusCheckEvery,
		TailMargin:       f.TailMargin,
	}
}
