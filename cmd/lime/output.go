package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/aikaara/assembly-lime/model"
)

// UI writes colored, line-oriented output.
type UI struct {
	Out    io.Writer
	ErrOut io.Writer
}

func newUI() *UI {
	return &UI{Out: os.Stdout, ErrOut: os.Stderr}
}

var (
	infoPrefix    = color.New(color.FgHiBlue).Sprint("i")
	successPrefix = color.New(color.FgHiGreen).Sprint("✓")
	warningPrefix = color.New(color.FgHiYellow).Sprint("⚠")
	errorPrefix   = color.New(color.FgHiRed).Sprint("✗")
	cyan          = color.New(color.FgHiCyan).SprintFunc()
	green         = color.New(color.FgHiGreen).SprintFunc()
	yellow        = color.New(color.FgHiYellow).SprintFunc()
	red           = color.New(color.FgHiRed).SprintFunc()
	faint         = color.New(color.Faint).SprintFunc()
)

func (u *UI) Info(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", infoPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Success(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", successPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Warning(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", warningPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Error(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", errorPrefix, fmt.Sprintf(format, a...))
}

// Table creates a borderless left-aligned table.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}

// statusColor colors a run status.
func statusColor(s model.RunStatus) string {
	switch s {
	case model.StatusQueued:
		return faint(string(s))
	case model.StatusRunning, model.StatusPlanApproved:
		return cyan(string(s))
	case model.StatusAwaitingApproval, model.StatusAwaitingFollowUp:
		return yellow(string(s))
	case model.StatusCompleted:
		return green(string(s))
	case model.StatusFailed, model.StatusCancelled:
		return red(string(s))
	default:
		return string(s)
	}
}

// printEvent renders one streamed event.
func (u *UI) printEvent(env *model.Envelope) {
	ev, err := model.Decode(env)
	if err != nil {
		u.Warning("undecodable %s event %d: %v", env.Kind, env.Seq, err)
		return
	}
	switch e := ev.(type) {
	case model.StatusEvent:
		line := fmt.Sprintf("[status] %s", statusColor(e.Status))
		if e.Detail != "" {
			line += " " + e.Detail
		}
		fmt.Fprintln(u.Out, line)
	case model.LogEvent:
		fmt.Fprintln(u.Out, e.Text)
	case model.MessageEvent:
		fmt.Fprintf(u.Out, "%s %s\n", cyan("["+e.Role+"]"), e.Text)
	case model.ErrorEvent:
		fmt.Fprintf(u.ErrOut, "%s %s\n", red("[error]"), e.Message)
	case model.DiffEvent:
		fmt.Fprintln(u.Out, faint(e.Diff))
	case model.PreviewEvent:
		fmt.Fprintf(u.Out, "%s %s %s\n", green("[preview]"), e.Status, e.URL)
	default:
		fmt.Fprintln(u.Out, faint(model.Summary(ev)))
	}
}

// printRun renders the detail view of a run.
func (u *UI) printRun(run *model.Run) {
	fmt.Fprintf(u.Out, "Run:      %s\n", run.ID)
	if run.Repo != nil {
		fmt.Fprintf(u.Out, "Repo:     %s\n", run.Repo.FullName())
	}
	fmt.Fprintf(u.Out, "Mode:     %s\n", run.Mode)
	fmt.Fprintf(u.Out, "Provider: %s %s\n", run.Provider, run.Model)
	fmt.Fprintf(u.Out, "Status:   %s\n", statusColor(run.Status))
	if run.Branch != "" {
		fmt.Fprintf(u.Out, "Branch:   %s\n", run.Branch)
	}
	fmt.Fprintf(u.Out, "Prompt:   %s\n", model.Truncate(run.Prompt(), 200))
	fmt.Fprintf(u.Out, "Turns:    %d\n", run.Turns)
	if run.CostUSD > 0 {
		fmt.Fprintf(u.Out, "Cost:     $%.4f\n", run.CostUSD)
	}
	fmt.Fprintf(u.Out, "Created:  %s\n", run.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(u.Out, "Updated:  %s\n", run.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if run.PRURL != "" {
		fmt.Fprintf(u.Out, "PR:       %s\n", run.PRURL)
	}
	if run.PreviewURL != "" {
		fmt.Fprintf(u.Out, "Preview:  %s\n", run.PreviewURL)
	}
	if run.Error != "" {
		fmt.Fprintf(u.Out, "Error:    %s\n", red(run.Error))
	}
	for _, t := range run.Tasks {
		fmt.Fprintf(u.Out, "  - [%s] %s\n", t.Status, t.Title)
	}
}
