package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	lime "github.com/aikaara/assembly-lime"
	"github.com/aikaara/assembly-lime/internal/config"
	"github.com/aikaara/assembly-lime/internal/logging"
)

var serveNoResume bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the lime server",
	Long: `Start the HTTP API, the run engine and, when configured, the queue
consumer and the Slack bot. Interrupted runs are resumed on start.`,
	RunE: runServe,
}

var workerAddr string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume jobs from the configured queue",
	Long: `Run the engine as a headless worker that takes jobs from the Redis or NATS
queue named by queue.driver. Use --addr to also serve the HTTP API.`,
	RunE: runWorker,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoResume, "no-resume", false, "Do not resume interrupted runs")
	workerCmd.Flags().StringVar(&workerAddr, "addr", "", "Also serve the HTTP API on this address")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	return startApp(func(cfg *config.Config) lime.StartOptions {
		return lime.StartOptions{Addr: cfg.Server.Addr, Resume: !serveNoResume}
	})
}

func runWorker(cmd *cobra.Command, args []string) error {
	return startApp(func(cfg *config.Config) lime.StartOptions {
		if cfg.Queue.Driver == "" {
			ui.Warning("queue.driver is not set; the worker will only resume interrupted runs")
		}
		return lime.StartOptions{Addr: workerAddr, Resume: true}
	})
}

// startApp loads and validates the config, builds the app and runs it
// until SIGINT or SIGTERM.
func startApp(options func(*config.Config) lime.StartOptions) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := lime.NewBuilder(cfg).WithLogger(logger).Build()
	if err != nil {
		return fmt.Errorf("building app: %w", err)
	}

	loader.Watch(func(next *config.Config, err error) {
		if err != nil {
			logger.Warn("reloading config", zap.Error(err))
			return
		}
		app.Reload(next)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := options(cfg)
	logger.Info("starting lime",
		zap.String("version", version),
		zap.String("addr", opts.Addr),
		zap.Strings("providers", cfg.ConfiguredProviders()),
		zap.String("sandbox", cfg.Sandbox.Provider),
	)
	return app.Start(ctx, opts)
}
