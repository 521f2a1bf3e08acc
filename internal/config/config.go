// Package config provides configuration management for lime.
//
// Values come from, in increasing priority: built-in defaults, a config
// file (~/.config/lime/config.yaml or any format viper reads, TOML
// included) and LIME_* environment variables, where a key such as
// followup.long_idle maps to LIME_FOLLOWUP_LONG_IDLE.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/aikaara/assembly-lime/internal/retry"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "LIME"

// Config holds all configuration for the lime server and worker.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	LLM      LLMConfig      `mapstructure:"llm"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Run      RunConfig      `mapstructure:"run"`
	FollowUp FollowUpConfig `mapstructure:"followup"`
	Retry    retry.Config   `mapstructure:"retry"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Bus      BusConfig      `mapstructure:"bus"`
	Slack    SlackConfig    `mapstructure:"slack"`
	Callback CallbackConfig `mapstructure:"callback"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Addr is the address the HTTP server listens on (e.g. ":7080").
	Addr string `mapstructure:"addr"`
	// URL is where CLI commands reach the server.
	URL string `mapstructure:"url"`
	// APIToken, when set, is required as a bearer token on /api routes.
	APIToken string `mapstructure:"api_token"`
}

// StoreConfig locates persistent data.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
	// DBPath defaults to <data_dir>/lime.db.
	DBPath string `mapstructure:"db_path"`
}

// SandboxConfig selects and configures the sandbox back end.
type SandboxConfig struct {
	// Provider is "docker", "local" or "remote".
	Provider     string        `mapstructure:"provider"`
	Image        string        `mapstructure:"image"`
	WorkDir      string        `mapstructure:"workdir"`
	AutoStop     time.Duration `mapstructure:"auto_stop"`
	PollAttempts int           `mapstructure:"poll_attempts"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PreviewTTL   time.Duration `mapstructure:"preview_ttl"`
	PoolSize     int           `mapstructure:"pool_size"` // 0 disables pre-warming

	Remote RemoteSandboxConfig `mapstructure:"remote"`
	Docker DockerSandboxConfig `mapstructure:"docker"`
	Local  LocalSandboxConfig  `mapstructure:"local"`
}

// LocalSandboxConfig configures sandboxes that are plain directories on
// this machine. Commands run unisolated with the host shell.
type LocalSandboxConfig struct {
	Root       string `mapstructure:"root"` // default <data_dir>/sandboxes
	PublicHost string `mapstructure:"public_host"`
}

// RemoteSandboxConfig points at the sandbox provisioning API.
type RemoteSandboxConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

// DockerSandboxConfig configures the container back end. When SSHHost is
// set, docker runs on that host over SSH.
type DockerSandboxConfig struct {
	Network        string `mapstructure:"network"`
	PublicHost     string `mapstructure:"public_host"`
	Memory         string `mapstructure:"memory"`
	CPUs           string `mapstructure:"cpus"`
	SSHHost        string `mapstructure:"ssh_host"`
	SSHUser        string `mapstructure:"ssh_user"`
	SSHKeyPath     string `mapstructure:"ssh_key_path"`
	KnownHostsPath string `mapstructure:"known_hosts_path"`
}

// LLMConfig holds provider credentials.
type LLMConfig struct {
	DefaultProvider string         `mapstructure:"default_provider"`
	MaxTokens       int            `mapstructure:"max_tokens"`
	Anthropic       ProviderConfig `mapstructure:"anthropic"`
	OpenAI          ProviderConfig `mapstructure:"openai"`
	Google          ProviderConfig `mapstructure:"google"`
	Ollama          ProviderConfig `mapstructure:"ollama"`
}

// ProviderConfig configures one LLM provider.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"` // ollama: host
	Model   string `mapstructure:"model"`
}

// GitHubConfig configures repository credentials and pull requests. A
// GitHub App (AppID + PrivateKeyPath) takes precedence over Token.
type GitHubConfig struct {
	Token          string `mapstructure:"token"`
	BaseURL        string `mapstructure:"base_url"`
	AppID          int64  `mapstructure:"app_id"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	WebhookSecret  string `mapstructure:"webhook_secret"`
	CommitAuthor   string `mapstructure:"commit_author"`
	CommitEmail    string `mapstructure:"commit_email"`
	BranchPrefix   string `mapstructure:"branch_prefix"`
}

// RunConfig holds per-run defaults applied when a job leaves them unset.
type RunConfig struct {
	TimeBudget      time.Duration `mapstructure:"time_budget"`
	MaxTurns        int           `mapstructure:"max_turns"`
	CheckpointEvery int           `mapstructure:"checkpoint_every"`
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
	Heartbeat       time.Duration `mapstructure:"heartbeat"`
	// Concurrency caps runs executing at once in this process.
	Concurrency int `mapstructure:"concurrency"`
}

// FollowUpConfig tunes the follow-up polling loop. It is hot-reloaded.
type FollowUpConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	Jitter           time.Duration `mapstructure:"jitter"`
	ShortIdle        time.Duration `mapstructure:"short_idle"`
	LongIdle         time.Duration `mapstructure:"long_idle"`
	StatusCheckEvery int           `mapstructure:"status_check_every"`
	TailMargin       time.Duration `mapstructure:"tail_margin"`
}

// QueueConfig selects the job intake transport: "" (none), "redis" or "nats".
type QueueConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
	Key    string `mapstructure:"key"` // redis list or nats subject
	Group  string `mapstructure:"group"`
}

// BusConfig selects the live event fan-out: "memory", "redis" or "nats".
type BusConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// SlackConfig enables Socket Mode notifications and approval buttons.
type SlackConfig struct {
	// BotToken is the Bot User OAuth Token (xoxb-...).
	BotToken string `mapstructure:"bot_token"`
	// AppToken is the App-Level Token (xapp-...) required for Socket Mode.
	AppToken string `mapstructure:"app_token"`
	// Channel receives run notifications.
	Channel string `mapstructure:"channel"`
}

// CallbackConfig points the worker at a remote dashboard.
type CallbackConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// Loader reads configuration and watches the config file for changes.
type Loader struct {
	v *viper.Viper

	mu      sync.Mutex
	current *Config
}

// NewLoader returns a loader for configFile, or for the default search
// path when configFile is empty.
func NewLoader(configFile string) *Loader {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(defaultConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	bindFallbackEnv(v)

	return &Loader{v: v}
}

// Load reads the config file, if any, and decodes the merged settings.
func Load(configFile string) (*Config, error) {
	return NewLoader(configFile).Load()
}

// Load reads the config file (missing files are fine unless named
// explicitly) and returns the decoded configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Viper exposes the underlying instance, e.g. for binding CLI flags.
func (l *Loader) Viper() *viper.Viper { return l.v }

// Watch calls fn with the re-decoded configuration whenever the config
// file changes. Decode errors are passed to fn with the previous config.
func (l *Loader) Watch(fn func(*Config, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		l.mu.Lock()
		if err == nil {
			l.current = cfg
		} else {
			cfg = l.current
		}
		l.mu.Unlock()
		fn(cfg, err)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = filepath.Join(cfg.Store.DataDir, "lime.db")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":7080")
	v.SetDefault("server.url", "http://localhost:7080")
	v.SetDefault("server.api_token", "")

	v.SetDefault("store.data_dir", defaultDataDir())
	v.SetDefault("store.db_path", "")

	v.SetDefault("sandbox.provider", "docker")
	v.SetDefault("sandbox.image", "")
	v.SetDefault("sandbox.workdir", "/workspace")
	v.SetDefault("sandbox.auto_stop", 30*time.Minute)
	v.SetDefault("sandbox.poll_attempts", 30)
	v.SetDefault("sandbox.poll_interval", 2*time.Second)
	v.SetDefault("sandbox.preview_ttl", time.Hour)
	v.SetDefault("sandbox.pool_size", 0)
	v.SetDefault("sandbox.remote.url", "")
	v.SetDefault("sandbox.remote.api_key", "")
	v.SetDefault("sandbox.docker.network", "")
	v.SetDefault("sandbox.docker.public_host", "localhost")
	v.SetDefault("sandbox.docker.memory", "")
	v.SetDefault("sandbox.docker.cpus", "")
	v.SetDefault("sandbox.docker.ssh_host", "")
	v.SetDefault("sandbox.docker.ssh_user", "")
	v.SetDefault("sandbox.docker.ssh_key_path", "")
	v.SetDefault("sandbox.docker.known_hosts_path", "")
	v.SetDefault("sandbox.local.root", "")
	v.SetDefault("sandbox.local.public_host", "localhost")

	v.SetDefault("llm.default_provider", "anthropic")
	v.SetDefault("llm.max_tokens", 8192)
	for _, p := range []string{"anthropic", "openai", "google", "ollama"} {
		v.SetDefault("llm."+p+".api_key", "")
		v.SetDefault("llm."+p+".base_url", "")
		v.SetDefault("llm."+p+".model", "")
	}

	v.SetDefault("github.token", "")
	v.SetDefault("github.base_url", "")
	v.SetDefault("github.app_id", 0)
	v.SetDefault("github.private_key_path", "")
	v.SetDefault("github.webhook_secret", "")
	v.SetDefault("github.commit_author", "lime")
	v.SetDefault("github.commit_email", "lime@users.noreply.github.com")
	v.SetDefault("github.branch_prefix", "lime/")

	v.SetDefault("run.time_budget", 45*time.Minute)
	v.SetDefault("run.max_turns", 100)
	v.SetDefault("run.checkpoint_every", 10)
	v.SetDefault("run.approval_timeout", 24*time.Hour)
	v.SetDefault("run.heartbeat", 30*time.Second)
	v.SetDefault("run.concurrency", 4)

	v.SetDefault("followup.poll_interval", time.Second)
	v.SetDefault("followup.jitter", 200*time.Millisecond)
	v.SetDefault("followup.short_idle", 30*time.Second)
	v.SetDefault("followup.long_idle", 15*time.Minute)
	v.SetDefault("followup.status_check_every", 10)
	v.SetDefault("followup.tail_margin", 2*time.Minute)

	v.SetDefault("retry.max_attempts", retry.DefaultConfig.MaxAttempts)
	v.SetDefault("retry.initial_delay", retry.DefaultConfig.InitialDelay)
	v.SetDefault("retry.max_delay", retry.DefaultConfig.MaxDelay)
	v.SetDefault("retry.backoff_factor", retry.DefaultConfig.BackoffFactor)
	v.SetDefault("retry.jitter", retry.DefaultConfig.Jitter)

	v.SetDefault("queue.driver", "")
	v.SetDefault("queue.url", "")
	v.SetDefault("queue.key", "")
	v.SetDefault("queue.group", "")

	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.url", "")
	v.SetDefault("bus.prefix", "lime.events")

	v.SetDefault("slack.bot_token", "")
	v.SetDefault("slack.app_token", "")
	v.SetDefault("slack.channel", "")

	v.SetDefault("callback.url", "")
	v.SetDefault("callback.token", "")
	v.SetDefault("callback.timeout", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// bindFallbackEnv lets the conventional provider variables stand in for
// the LIME_* names.
func bindFallbackEnv(v *viper.Viper) {
	_ = v.BindEnv("llm.anthropic.api_key", "LIME_LLM_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("llm.openai.api_key", "LIME_LLM_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("llm.google.api_key", "LIME_LLM_GOOGLE_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY")
	_ = v.BindEnv("llm.ollama.base_url", "LIME_LLM_OLLAMA_BASE_URL", "OLLAMA_HOST")
	_ = v.BindEnv("github.token", "LIME_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("slack.bot_token", "LIME_SLACK_BOT_TOKEN", "SLACK_BOT_TOKEN")
	_ = v.BindEnv("slack.app_token", "LIME_SLACK_APP_TOKEN", "SLACK_APP_TOKEN")
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.GitHub.Token == "" && c.GitHub.AppID == 0 {
		return fmt.Errorf("github.token (GITHUB_TOKEN) or github.app_id is required")
	}
	if c.GitHub.AppID != 0 && c.GitHub.PrivateKeyPath == "" {
		return fmt.Errorf("github.private_key_path is required with github.app_id")
	}
	if len(c.ConfiguredProviders()) == 0 {
		return fmt.Errorf("at least one LLM provider must be configured (ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY or llm.ollama.base_url)")
	}
	switch c.Sandbox.Provider {
	case "docker", "local":
	case "remote":
		if c.Sandbox.Remote.URL == "" {
			return fmt.Errorf("sandbox.remote.url is required for the remote sandbox provider")
		}
	default:
		return fmt.Errorf("unknown sandbox.provider %q", c.Sandbox.Provider)
	}
	switch c.Queue.Driver {
	case "", "redis", "nats":
	default:
		return fmt.Errorf("unknown queue.driver %q", c.Queue.Driver)
	}
	switch c.Bus.Driver {
	case "memory", "redis", "nats":
	default:
		return fmt.Errorf("unknown bus.driver %q", c.Bus.Driver)
	}
	if c.FollowUp.PollInterval <= 0 || c.FollowUp.StatusCheckEvery <= 0 {
		return fmt.Errorf("followup.poll_interval and followup.status_check_every must be positive")
	}
	return nil
}

// ConfiguredProviders lists providers that have credentials, in a stable
// order. Ollama counts when a host is set.
func (c *Config) ConfiguredProviders() []string {
	var out []string
	if c.LLM.Anthropic.APIKey != "" {
		out = append(out, "anthropic")
	}
	if c.LLM.OpenAI.APIKey != "" {
		out = append(out, "openai")
	}
	if c.LLM.Google.APIKey != "" {
		out = append(out, "google")
	}
	if c.LLM.Ollama.BaseURL != "" {
		out = append(out, "ollama")
	}
	return out
}

// SlackEnabled returns true if Slack Socket Mode is configured.
func (c *Config) SlackEnabled() bool {
	return c.Slack.BotToken != "" && c.Slack.AppToken != ""
}

// CallbackEnabled returns true if events are delivered to a remote dashboard.
func (c *Config) CallbackEnabled() bool {
	return c.Callback.URL != ""
}

// EnsureDataDir creates the data directory.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.Store.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	return nil
}

// --- Helpers ---

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lime"
	}
	return filepath.Join(home, ".config", "lime")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lime"
	}
	return filepath.Join(home, ".lime")
}
