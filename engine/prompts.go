package engine

import (
	"fmt"
	"strings"

	"github.com/aikaara/assembly-lime/model"
)

const basePrompt = `You are a senior software engineer working inside a sandboxed checkout of %s.
The repository is at %s. All file paths are relative to it unless absolute.

Use the tools to inspect the code before changing it. Keep changes focused on
the task and avoid unrelated edits. When you are done, reply with a short
summary of what you did and stop calling tools.`

const implementSection = `
## Implementing

Make the change described by the task. Edit files with the edit and write
tools. Do not commit, push or create branches; that is handled for you.
Report progress with update_task when tasks are listed.`

const bugfixSection = `
## Fixing a bug

Reproduce the bug first when it is practical, then fix the root cause and add
a regression test next to the existing tests. Do not commit, push or create
branches; that is handled for you.`

const reviewSection = `
## Reviewing

You are in read-only mode. Review the code for the task and answer with:
- Whether the code addresses the task
- Bugs, security issues or missing edge cases
- Unnecessary or unrelated changes

Keep the review concise and focused on the most important issues.`

const planSection = `
## Planning

You are in read-only mode. Explore the code and break the task into a short
list of concrete, independently verifiable tasks. Record them with the
create_tasks tool, each with a title and a description naming the files to
change and how to verify it. Finish with a brief summary of the approach and
its risks.`

const verifySection = `
## Verification

Before you finish, run these commands and fix any failures your change caused:
%s`

// systemPrompt builds the system prompt for mode.
func systemPrompt(run *model.Run, mode model.Mode, extraDirs, verify []string) string {
	repo := "the repository"
	if run.Repo != nil {
		repo = run.Repo.FullName()
	}
	var b strings.Builder
	fmt.Fprintf(&b, basePrompt, repo, run.RepoDir)

	if len(extraDirs) > 0 {
		b.WriteString("\n\n## Additional repositories\n\n")
		for i, dir := range extraDirs {
			label := ""
			if i < len(run.ExtraRepos) {
				r := run.ExtraRepos[i]
				label = r.FullName()
				if r.RoleLabel != "" {
					label += " (" + r.RoleLabel + ")"
				}
			}
			fmt.Fprintf(&b, "- %s: %s\n", dir, label)
		}
	}

	switch mode {
	case model.ModeImplement:
		b.WriteString("\n" + implementSection)
	case model.ModeBugfix:
		b.WriteString("\n" + bugfixSection)
	case model.ModeReview:
		b.WriteString("\n" + reviewSection)
	case model.ModePlan:
		b.WriteString("\n" + planSection)
	}

	if mode.Writes() && len(verify) > 0 {
		var cmds strings.Builder
		for _, c := range verify {
			cmds.WriteString("- `" + c + "`\n")
		}
		fmt.Fprintf(&b, "\n"+verifySection, cmds.String())
	}
	return b.String()
}

// initialPrompt is the first user message of a run.
func initialPrompt(run *model.Run, job *model.Job) string {
	var b strings.Builder
	b.WriteString(run.Prompt())

	if job != nil {
		var urls []string
		for _, img := range job.Images {
			if img.Data == "" && img.URL != "" {
				urls = append(urls, img.URL)
			}
		}
		if len(urls) > 0 {
			b.WriteString("\n\n## Attached images\n\n")
			for _, u := range urls {
				b.WriteString("- " + u + "\n")
			}
		}
	}

	if len(run.Tasks) > 0 {
		b.WriteString("\n\n" + formatTasks(run.Tasks))
	}
	return b.String()
}

// implementPlanPrompt is the user message that starts an approved plan.
func implementPlanPrompt(tasks []model.Task) string {
	if len(tasks) == 0 {
		return "The plan was approved. Implement it now."
	}
	return "The plan was approved. Implement these tasks in order and mark each one with update_task as you go.\n\n" + formatTasks(tasks)
}

func formatTasks(tasks []model.Task) string {
	var b strings.Builder
	b.WriteString("## Tasks\n\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "- [%s] %s (%s)", t.TicketID, t.Title, t.Status)
		if t.Description != "" {
			b.WriteString(": " + t.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}
