package model

import (
	"fmt"
	"strings"
	"time"
)

// ImageAttachment is an image pre-attached to the initial prompt.
type ImageAttachment struct {
	MimeType string `json:"mime_type" yaml:"mime_type"`
	Data     string `json:"data" yaml:"data"` // base64
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Job is the inbound payload that starts (or continues) a run.
type Job struct {
	RunID           string            `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	TenantID        string            `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	ProjectID       string            `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	Provider        Provider          `json:"provider" yaml:"provider"`
	Model           string            `json:"model,omitempty" yaml:"model,omitempty"`
	Mode            Mode              `json:"mode" yaml:"mode"`
	Prompt          string            `json:"prompt" yaml:"prompt"`
	ResolvedPrompt  string            `json:"resolved_prompt,omitempty" yaml:"resolved_prompt,omitempty"`
	Repo            *RepoTarget       `json:"repo,omitempty" yaml:"repo,omitempty"`
	Candidates      []RepoCandidate   `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	ExtraRepos      []RepoTarget      `json:"extra_repos,omitempty" yaml:"extra_repos,omitempty"`
	TimeBudget      Duration          `json:"time_budget,omitempty" yaml:"time_budget,omitempty"`
	MaxTurns        int               `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
	MaxCostUSD      float64           `json:"max_cost_usd,omitempty" yaml:"max_cost_usd,omitempty"`
	SandboxProvider string            `json:"sandbox_provider,omitempty" yaml:"sandbox_provider,omitempty"`
	Images          []ImageAttachment `json:"images,omitempty" yaml:"images,omitempty"`
	Continuation    bool              `json:"continuation,omitempty" yaml:"continuation,omitempty"`
}

// Validate checks the payload before a run is created.
func (j *Job) Validate() error {
	if !j.Provider.Valid() {
		return fmt.Errorf("%w: unknown provider %q", ErrValidation, j.Provider)
	}
	if !j.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrValidation, j.Mode)
	}
	if strings.TrimSpace(j.Prompt) == "" && !j.Continuation {
		return fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	if j.Repo == nil && len(j.Candidates) == 0 {
		return fmt.Errorf("%w: job has neither a repo nor candidates", ErrValidation)
	}
	if j.Repo != nil && (j.Repo.Owner == "" || j.Repo.Name == "") {
		return fmt.Errorf("%w: repo must have owner and name", ErrValidation)
	}
	if j.MaxTurns < 0 || j.TimeBudget < 0 || j.MaxCostUSD < 0 {
		return fmt.Errorf("%w: budgets must not be negative", ErrValidation)
	}
	primaries := 0
	if j.Repo != nil && j.Repo.Primary {
		primaries++
	}
	for _, r := range j.ExtraRepos {
		if r.Primary {
			primaries++
		}
	}
	if primaries > 1 {
		return fmt.Errorf("%w: more than one primary repo", ErrValidation)
	}
	return nil
}

// NewRun builds a queued run from a validated job.
func (j *Job) NewRun(id string, now time.Time) *Run {
	run := &Run{
		ID:              id,
		TenantID:        j.TenantID,
		ProjectID:       j.ProjectID,
		Provider:        j.Provider,
		Model:           j.Model,
		Mode:            j.Mode,
		Status:          StatusQueued,
		InputPrompt:     j.Prompt,
		ResolvedPrompt:  j.ResolvedPrompt,
		Candidates:      j.Candidates,
		ExtraRepos:      j.ExtraRepos,
		TimeBudget:      time.Duration(j.TimeBudget),
		MaxTurns:        j.MaxTurns,
		MaxCostUSD:      j.MaxCostUSD,
		SandboxProvider: j.SandboxProvider,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if j.Repo != nil {
		repo := *j.Repo
		run.Repo = &repo
	}
	return run
}

// Duration is a time.Duration that encodes as a Go duration string
// ("45m") and also accepts a number of seconds.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		*d = 0
		return nil
	}
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	var secs float64
	if _, err := fmt.Sscanf(s, "%g", &secs); err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// UnmarshalJSON accepts both "45m" and 2700.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		return nil
	}
	return d.UnmarshalText([]byte(s))
}
