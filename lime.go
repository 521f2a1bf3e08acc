// Package lime is the top-level entry point for the lime run orchestrator.
//
// Use the Builder to compose an application from configuration:
//
//	app, err := lime.NewBuilder(cfg).WithLogger(logger).Build()
//	err = app.Start(ctx)
//
// Or replace individual components:
//
//	app, err := lime.NewBuilder(cfg).
//	    WithStore(myStore).
//	    WithLLM(myRegistry).
//	    WithSandbox("docker", myProvider).
//	    Build()
package lime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aikaara/assembly-lime/engine"
	"github.com/aikaara/assembly-lime/eventbus"
	"github.com/aikaara/assembly-lime/httpapi"
	"github.com/aikaara/assembly-lime/internal/callback"
	"github.com/aikaara/assembly-lime/internal/config"
	"github.com/aikaara/assembly-lime/internal/ghapp"
	"github.com/aikaara/assembly-lime/internal/metrics"
	"github.com/aikaara/assembly-lime/internal/notify"
	"github.com/aikaara/assembly-lime/internal/queue"
	"github.com/aikaara/assembly-lime/llm"
	"github.com/aikaara/assembly-lime/model"
	"github.com/aikaara/assembly-lime/sandbox"
	"github.com/aikaara/assembly-lime/store"
	"github.com/aikaara/assembly-lime/workspace"
)

// Store is the persistence the application needs: runs, the event log and
// records. *sqlite.Store implements it.
type Store interface {
	store.JobStore
	store.EventStore
	store.RecordStore
	Close() error
}

// Builder constructs an App.
type Builder struct {
	config      *config.Config
	logger      *zap.Logger
	store       Store
	bus         eventbus.Bus
	llm         *llm.Registry
	providers   map[string]sandbox.Provider
	consumer    queue.Consumer
	credentials ghapp.Source
	prs         engine.PullRequestFactory
	clock       engine.Clock
	metrics     *metrics.Recorder

	closers []io.Closer
}

// NewBuilder creates a Builder for cfg. Components not set explicitly are
// built from cfg.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{config: cfg, providers: map[string]sandbox.Provider{}}
}

// WithLogger sets the process logger.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithStore sets the store implementation.
func (b *Builder) WithStore(s Store) *Builder {
	b.store = s
	return b
}

// WithBus sets the live event bus.
func (b *Builder) WithBus(bus eventbus.Bus) *Builder {
	b.bus = bus
	return b
}

// WithLLM sets the LLM client registry.
func (b *Builder) WithLLM(r *llm.Registry) *Builder {
	b.llm = r
	return b
}

// WithSandbox registers a sandbox provider under name. The first
// registered provider becomes the default unless sandbox.provider names
// another.
func (b *Builder) WithSandbox(name string, p sandbox.Provider) *Builder {
	b.providers[name] = p
	return b
}

// WithQueue sets the job intake consumer.
func (b *Builder) WithQueue(c queue.Consumer) *Builder {
	b.consumer = c
	return b
}

// WithCredentials sets the repository credential source.
func (b *Builder) WithCredentials(s ghapp.Source) *Builder {
	b.credentials = s
	return b
}

// WithPullRequests sets the pull request client factory.
func (b *Builder) WithPullRequests(f engine.PullRequestFactory) *Builder {
	b.prs = f
	return b
}

// WithClock replaces the engine clock.
func (b *Builder) WithClock(c engine.Clock) *Builder {
	b.clock = c
	return b
}

// WithMetrics sets the metrics recorder.
func (b *Builder) WithMetrics(m *metrics.Recorder) *Builder {
	b.metrics = m
	return b
}

// Build creates the App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		b.closeAll()
		return nil, err
	}
	cfg := b.config

	local := store.NewLocalSink(b.store, b.store, b.bus)
	events := store.MultiSink{local}
	records := store.MultiRecordSink{local}

	deps := engine.Deps{
		Store:        b.store,
		LLM:          b.llm,
		Workspaces:   workspace.NewManager(b.providers, cfg.Sandbox.Provider, workspaceConfig(cfg), b.logger),
		Credentials:  b.credentials,
		PullRequests: b.prs,
		Clock:        b.clock,
		Metrics:      b.metrics,
		Logger:       b.logger,
	}

	if cfg.CallbackEnabled() {
		cb := callback.New(callback.Config{
			BaseURL: cfg.Callback.URL,
			Token:   cfg.Callback.Token,
			Timeout: cfg.Callback.Timeout,
			Retry:   cfg.Retry,
		}, b.logger)
		events = append(events, cb)
		records = append(records, cb)
		deps.Inbox = cb
		deps.Snapshots = cb
	}

	var bot *notify.Bot
	if cfg.SlackEnabled() {
		bot = notify.New(notify.Options{
			BotToken:        cfg.Slack.BotToken,
			AppToken:        cfg.Slack.AppToken,
			Channel:         cfg.Slack.Channel,
			DefaultProvider: model.Provider(cfg.LLM.DefaultProvider),
			Logger:          b.logger,
		})
		events = append(events, bot)
	}

	deps.Events = events
	deps.Records = records
	eng := engine.New(engineConfig(cfg), deps)
	if bot != nil {
		bot.SetController(eng, eng)
	}

	handler := httpapi.New(httpapi.Options{
		Runs:          eng,
		Store:         b.store,
		Events:        b.store,
		Bus:           b.bus,
		Metrics:       b.metrics.Handler(),
		APIToken:      cfg.Server.APIToken,
		WebhookSecret: cfg.GitHub.WebhookSecret,
		Logger:        b.logger,
	})

	app := &App{
		config:   cfg,
		logger:   b.logger.With(zap.String("component", "app")),
		store:    b.store,
		bus:      b.bus,
		engine:   eng,
		handler:  handler,
		consumer: b.consumer,
		slack:    bot,
		closers:  b.closers,
	}
	if pool, ok := b.providers[cfg.Sandbox.Provider].(*sandbox.Pool); ok {
		app.pool = pool
	}
	return app, nil
}

func (b *Builder) closeAll() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i].Close()
	}
}

// App is an assembled lime application.
type App struct {
	config   *config.Config
	logger   *zap.Logger
	store    Store
	bus      eventbus.Bus
	engine   *engine.Engine
	handler  *httpapi.Handler
	consumer queue.Consumer
	slack    *notify.Bot
	pool     *sandbox.Pool
	closers  []io.Closer
}

// Engine returns the underlying engine for direct access.
func (a *App) Engine() *engine.Engine { return a.engine }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.handler }

// Store returns the application store.
func (a *App) Store() Store { return a.store }

// StartOptions selects the surfaces Start brings up.
type StartOptions struct {
	// Addr is the HTTP listen address; empty serves no HTTP.
	Addr string
	// Resume re-enters interrupted runs on start.
	Resume bool
}

// Start runs the engine, the HTTP server, the queue consumer, the Slack bot
// and the sandbox pool. It blocks until ctx is done or a component fails,
// then shuts everything down. Interrupted runs stay resumable.
func (a *App) Start(ctx context.Context, opts StartOptions) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	if opts.Resume {
		if err := a.engine.Resume(ctx); err != nil {
			a.logger.Warn("resuming runs", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.StartPool(ctx)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	if opts.Addr != "" {
		srv := &http.Server{
			Addr:              opts.Addr,
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("server listening", zap.String("addr", opts.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.consumer != nil {
		g.Go(func() error {
			a.logger.Info("consuming jobs", zap.String("driver", a.config.Queue.Driver))
			err := a.consumer.Consume(ctx, func(ctx context.Context, job *model.Job) error {
				run, err := a.engine.Submit(ctx, job)
				if err != nil {
					return err
				}
				a.logger.Info("job accepted", zap.String("run_id", run.ID))
				return nil
			})
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("queue consumer: %w", err)
			}
			return nil
		})
	}

	if a.slack != nil {
		g.Go(func() error {
			if err := a.slack.Run(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("slack bot stopped", zap.Error(err))
			}
			return nil
		})
	}

	err := g.Wait()
	a.shutdown()
	return err
}

// Reload applies the hot-reloadable parts of cfg.
func (a *App) Reload(cfg *config.Config) {
	a.engine.SetFollowUpConfig(followUpConfig(cfg))
}

// Close releases the store and transports without starting anything.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) shutdown() {
	if a.pool != nil {
		a.pool.StopPool()
	}
	a.engine.Stop()
	if err := a.Close(); err != nil {
		a.logger.Warn("closing resources", zap.Error(err))
	}
}
