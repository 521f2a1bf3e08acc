// Package model defines the core domain types shared across all lime packages.
// It has zero dependencies on other lime packages.
package model

import (
	"fmt"
	"time"
)

// RunStatus represents the current state of a run.
type RunStatus string

const (
	StatusQueued           RunStatus = "queued"
	StatusRunning          RunStatus = "running"
	StatusAwaitingApproval RunStatus = "awaiting_approval"
	// StatusPlanApproved is transitional: the approval handler moves the run
	// on to running once the implementation pass begins.
	StatusPlanApproved     RunStatus = "plan_approved"
	StatusAwaitingFollowUp RunStatus = "awaiting_followup"
	StatusCompleted        RunStatus = "completed"
	StatusFailed           RunStatus = "failed"
	StatusCancelled        RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

var transitions = map[RunStatus][]RunStatus{
	StatusQueued:           {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:          {StatusAwaitingApproval, StatusAwaitingFollowUp, StatusCompleted, StatusFailed, StatusCancelled},
	StatusAwaitingFollowUp: {StatusRunning, StatusAwaitingApproval, StatusCompleted, StatusFailed, StatusCancelled},
	StatusAwaitingApproval: {StatusPlanApproved, StatusRunning, StatusAwaitingFollowUp, StatusFailed, StatusCancelled},
	StatusPlanApproved:     {StatusRunning, StatusFailed, StatusCancelled},
	StatusCompleted:        nil,
	StatusFailed:           nil,
	StatusCancelled:        nil,
}

// CanTransition reports whether a run may move from one status to another.
// Re-asserting the current non-terminal status is allowed.
func CanTransition(from, to RunStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Mode selects the fixed tool and workflow policy of a run.
type Mode string

const (
	ModePlan      Mode = "plan"
	ModeImplement Mode = "implement"
	ModeBugfix    Mode = "bugfix"
	ModeReview    Mode = "review"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModePlan, ModeImplement, ModeBugfix, ModeReview:
		return true
	}
	return false
}

// Writes reports whether the mode is allowed to modify the repository.
func (m Mode) Writes() bool {
	return m == ModeImplement || m == ModeBugfix
}

// Provider names an LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderOllama    Provider = "ollama"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
		return true
	}
	return false
}

// RepoTarget identifies a repository to check out.
type RepoTarget struct {
	RepositoryID  string `json:"repository_id,omitempty" yaml:"repository_id,omitempty"`
	ConnectorID   string `json:"connector_id,omitempty" yaml:"connector_id,omitempty"`
	Owner         string `json:"owner" yaml:"owner"`
	Name          string `json:"name" yaml:"name"`
	CloneURL      string `json:"clone_url,omitempty" yaml:"clone_url,omitempty"`
	DefaultBranch string `json:"default_branch,omitempty" yaml:"default_branch,omitempty"`
	Ref           string `json:"ref,omitempty" yaml:"ref,omitempty"`
	AuthToken     string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	RoleLabel     string `json:"role_label,omitempty" yaml:"role_label,omitempty"`
	Primary       bool   `json:"primary,omitempty" yaml:"primary,omitempty"`
}

// FullName returns "owner/name".
func (r RepoTarget) FullName() string {
	return r.Owner + "/" + r.Name
}

// CloneURLOrDefault returns the clone URL, defaulting to github.com.
func (r RepoTarget) CloneURLOrDefault() string {
	if r.CloneURL != "" {
		return r.CloneURL
	}
	return fmt.Sprintf("https://github.com/%s.git", r.FullName())
}

// RepoCandidate is a repository the selector may choose from.
type RepoCandidate struct {
	RepoTarget  `yaml:",inline"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// TaskStatus is the progress of a sub-task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	return s == TaskPending || s == TaskInProgress || s == TaskCompleted
}

// Task is a sub-ticket created by the agent in plan mode.
type Task struct {
	TicketID    string     `json:"ticket_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
}

// Run is one end-to-end execution of an agent against a task.
type Run struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id,omitempty"`
	ProjectID       string          `json:"project_id,omitempty"`
	Provider        Provider        `json:"provider"`
	Model           string          `json:"model,omitempty"`
	Mode            Mode            `json:"mode"`
	Status          RunStatus       `json:"status"`
	InputPrompt     string          `json:"input_prompt"`
	ResolvedPrompt  string          `json:"resolved_prompt,omitempty"`
	Repo            *RepoTarget     `json:"repo,omitempty"`
	Candidates      []RepoCandidate `json:"candidates,omitempty"`
	ExtraRepos      []RepoTarget    `json:"extra_repos,omitempty"`
	TimeBudget      time.Duration   `json:"time_budget"`
	MaxTurns        int             `json:"max_turns"`
	MaxCostUSD      float64         `json:"max_cost_usd,omitempty"`
	SandboxProvider string          `json:"sandbox_provider,omitempty"`
	SandboxID       string          `json:"sandbox_id,omitempty"`
	RepoDir         string          `json:"repo_dir,omitempty"`
	Branch          string          `json:"branch,omitempty"`
	PRURL           string          `json:"pr_url,omitempty"`
	PRNumber        int             `json:"pr_number,omitempty"`
	PreviewURL      string          `json:"preview_url,omitempty"`
	Tasks           []Task          `json:"tasks,omitempty"`
	Error           string          `json:"error,omitempty"`
	Turns           int             `json:"turns"`
	CostUSD         float64         `json:"cost_usd"`
	StartedAt       time.Time       `json:"started_at,omitzero"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Prompt returns the resolved prompt, falling back to the raw input.
func (r *Run) Prompt() string {
	if r.ResolvedPrompt != "" {
		return r.ResolvedPrompt
	}
	return r.InputPrompt
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
