package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	lime "github.com/aikaara/assembly-lime"
	"github.com/aikaara/assembly-lime/model"
)

var (
	runRepo       string
	runMode       string
	runProvider   string
	runModel      string
	runJobFile    string
	runTimeBudget time.Duration
	runMaxTurns   int
	runDetach     bool
	runEnqueue    bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Start a run and stream its events",
	Long: `Create a run that drives an LLM coding agent in a sandbox. Implement and
bugfix runs end in a pull request, plan runs wait for approval and review
runs report their findings.

Example:
  lime run "add rate limiting to /api/users" --repo myorg/myapp
  lime run "plan the auth refactor" --repo myorg/myapp --mode plan
  lime run --job job.yaml
  lime run --job job.yaml --enqueue`,
	Args: cobra.MaximumNArgs(1),
}

func init() {
	// Assigned here rather than in the literal to avoid an initialization cycle
	// (runRun -> buildJob -> runModeChanged -> runCmd).
	runCmd.RunE = runRun
	runCmd.Flags().StringVarP(&runRepo, "repo", "r", "", "GitHub repository (owner/repo)")
	runCmd.Flags().StringVarP(&runMode, "mode", "m", string(model.ModeImplement), "Run mode (plan, implement, bugfix, review)")
	runCmd.Flags().StringVarP(&runProvider, "provider", "p", "", "LLM provider (anthropic, openai, google, ollama)")
	runCmd.Flags().StringVar(&runModel, "model", "", "Model name (provider default when empty)")
	runCmd.Flags().StringVarP(&runJobFile, "job", "j", "", "Read the job from a YAML file")
	runCmd.Flags().DurationVar(&runTimeBudget, "time-budget", 0, "Wall-clock budget per turn sequence")
	runCmd.Flags().IntVar(&runMaxTurns, "max-turns", 0, "Maximum agent turns per sequence")
	runCmd.Flags().BoolVarP(&runDetach, "detach", "d", false, "Print the run id and exit")
	runCmd.Flags().BoolVar(&runEnqueue, "enqueue", false, "Push the job onto the configured queue instead of the API")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	job, err := buildJob(args)
	if err != nil {
		return err
	}
	if job.Provider == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		job.Provider = model.Provider(cfg.LLM.DefaultProvider)
	}
	if err := job.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if runEnqueue {
		return enqueueJob(ctx, job)
	}

	c, err := client()
	if err != nil {
		return err
	}
	run, err := c.submit(ctx, job)
	if err != nil {
		return err
	}
	ui.Success("Run %s created (%s, %s)", run.ID, run.Mode, run.Provider)
	if runDetach {
		return nil
	}
	ui.Info("Streaming events... (Ctrl-C to detach)")
	fmt.Fprintln(ui.Out)
	return follow(ctx, c, run.ID)
}

// buildJob reads --job, then applies the prompt argument and flags on top.
func buildJob(args []string) (*model.Job, error) {
	job := &model.Job{}
	if runJobFile != "" {
		raw, err := os.ReadFile(runJobFile)
		if err != nil {
			return nil, fmt.Errorf("reading job file: %w", err)
		}
		if err := yaml.Unmarshal(raw, job); err != nil {
			return nil, fmt.Errorf("parsing job file: %w", err)
		}
	}
	if len(args) == 1 {
		job.Prompt = args[0]
	}
	if runRepo != "" {
		owner, name, ok := strings.Cut(runRepo, "/")
		if !ok || owner == "" || name == "" {
			return nil, fmt.Errorf("--repo must be owner/repo, got %q", runRepo)
		}
		job.Repo = &model.RepoTarget{Owner: owner, Name: name}
	}
	if job.Mode == "" || runModeChanged() {
		job.Mode = model.Mode(runMode)
	}
	if runProvider != "" {
		job.Provider = model.Provider(runProvider)
	}
	if runModel != "" {
		job.Model = runModel
	}
	if runTimeBudget > 0 {
		job.TimeBudget = model.Duration(runTimeBudget)
	}
	if runMaxTurns > 0 {
		job.MaxTurns = runMaxTurns
	}
	return job, nil
}

func runModeChanged() bool {
	f := runCmd.Flags().Lookup("mode")
	return f != nil && f.Changed
}

func enqueueJob(ctx context.Context, job *model.Job) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Queue.Driver == "" {
		return fmt.Errorf("--enqueue needs queue.driver (redis or nats) in the config")
	}
	producer, closer, err := lime.NewProducer(cfg.Queue, nil)
	if err != nil {
		return err
	}
	defer closer.Close()
	if err := producer.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	ui.Success("Job enqueued on %s", cfg.Queue.Driver)
	return nil
}

// follow streams events until the run stops streaming, then prints the
// outcome.
func follow(ctx context.Context, c *apiClient, id string) error {
	if err := c.events(ctx, id, 0, ui.printEvent); err != nil {
		return err
	}
	if ctx.Err() != nil {
		fmt.Fprintln(ui.Out)
		ui.Info("Detached. Resume with: lime logs %s --follow", id)
		return nil
	}
	run, err := c.getRun(context.Background(), id)
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out)
	printOutcome(run)
	return nil
}

func printOutcome(run *model.Run) {
	switch run.Status {
	case model.StatusCompleted:
		if run.PRURL != "" {
			ui.Success("PR created: %s", run.PRURL)
		} else {
			ui.Success("Run completed")
		}
	case model.StatusFailed:
		ui.Error("Run failed: %s", run.Error)
	case model.StatusCancelled:
		ui.Warning("Run cancelled")
	case model.StatusAwaitingApproval:
		ui.Info("Awaiting approval: lime approve %s | lime reject %s", run.ID, run.ID)
	case model.StatusAwaitingFollowUp:
		ui.Info("Waiting for follow-ups: lime send %s \"...\"", run.ID)
	default:
		ui.Info("Run is %s", statusColor(run.Status))
	}
}
