package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aikaara/assembly-lime/model"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		run, err := c.getRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		ui.printRun(run)
		return nil
	},
}

var (
	listStatus []string
	listLimit  int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		runs, err := c.listRuns(cmd.Context(), listStatus, listLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			ui.Info("No runs found.")
			return nil
		}
		table := ui.Table([]string{"ID", "REPO", "MODE", "STATUS", "PROMPT", "PR"})
		for _, r := range runs {
			repo := "-"
			if r.Repo != nil {
				repo = r.Repo.FullName()
			}
			pr := r.PRURL
			if pr == "" {
				pr = "-"
			}
			prompt := strings.Join(strings.Fields(r.Prompt()), " ")
			table.Append([]string{r.ID, repo, string(r.Mode), statusColor(r.Status), model.Truncate(prompt, 50), pr})
		}
		return table.Render()
	},
}

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs [run-id]",
	Short: "Print a run's events",
	Long:  "Print the recorded events of a run. With --follow, keep streaming until the run finishes.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		id := args[0]
		if logsFollow {
			return follow(ctx, c, id)
		}
		run, err := c.getRun(ctx, id)
		if err != nil {
			return err
		}
		if !run.Status.IsTerminal() {
			return printBacklog(ctx, c, id)
		}
		return c.events(ctx, id, 0, ui.printEvent)
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [run-id] [message]",
	Short: "Send a follow-up message to a run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		msg, err := c.sendMessage(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		ui.Success("Message %d queued for run %s", msg.ID, args[0])
		return nil
	},
}

var rejectReason string

var approveCmd = &cobra.Command{
	Use:   "approve [run-id]",
	Short: "Approve a run awaiting approval",
	Args:  cobra.ExactArgs(1),
	RunE:  actionRunE("approve", "Approved"),
}

var rejectCmd = &cobra.Command{
	Use:   "reject [run-id]",
	Short: "Reject a run awaiting approval",
	Args:  cobra.ExactArgs(1),
	RunE:  actionRunE("reject", "Rejected"),
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE:  actionRunE("cancel", "Cancellation requested for"),
}

func init() {
	listCmd.Flags().StringSliceVarP(&listStatus, "status", "s", nil, "Only runs with these statuses")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum runs to show")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output")
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Why the run was rejected")

	rootCmd.AddCommand(statusCmd, listCmd, logsCmd, sendCmd, approveCmd, rejectCmd, cancelCmd)
}

func actionRunE(action, done string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		reason := ""
		if action == "reject" {
			reason = rejectReason
		}
		if err := c.action(cmd.Context(), args[0], action, reason); err != nil {
			return err
		}
		ui.Success("%s run %s", done, args[0])
		return nil
	}
}

// printBacklog prints the events recorded so far for a live run. The
// server replays the backlog at once, so the stream is closed after a
// short quiet period.
func printBacklog(ctx context.Context, c *apiClient, id string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	quiet := time.AfterFunc(backlogQuiet, cancel)
	defer quiet.Stop()
	return c.events(ctx, id, 0, func(env *model.Envelope) {
		quiet.Reset(backlogQuiet)
		ui.printEvent(env)
	})
}

const backlogQuiet = time.Second
