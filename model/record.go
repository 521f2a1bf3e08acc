package model

import (
	"encoding/json"
	"time"
)

// Usage is token usage for one or more LLM calls.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens"`
	CacheWriteTokens int64 `json:"cache_write_tokens"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheReadTokens += o.CacheReadTokens
	u.CacheWriteTokens += o.CacheWriteTokens
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// LlmCallDump is recorded once per LLM turn. It is never replayed into the
// conversation.
type LlmCallDump struct {
	RunID       string          `json:"run_id"`
	Turn        int             `json:"turn"`
	Provider    Provider        `json:"provider"`
	Model       string          `json:"model"`
	Usage       Usage           `json:"usage"`
	CostUSD     float64         `json:"cost_usd"`
	StopReason  string          `json:"stop_reason"`
	Duration    time.Duration   `json:"duration"`
	RawResponse json.RawMessage `json:"raw_response,omitempty"`
}

// SessionSnapshot is the full ordered message history at a checkpoint.
// Loading it and re-entering the follow-up loop resumes the run.
type SessionSnapshot struct {
	RunID             string          `json:"run_id"`
	Turn              int             `json:"turn"`
	Messages          json.RawMessage `json:"messages"`
	Tasks             []Task          `json:"tasks,omitempty"`
	FollowUpCount     int             `json:"follow_up_count"`
	LastUserMessageID int64           `json:"last_user_message_id"`
	CreatedAt         time.Time       `json:"created_at"`
}

// UserMessage is a follow-up instruction stored for a run.
type UserMessage struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordKind names a structured record sent to the record sink.
type RecordKind string

const (
	RecordLlmCall    RecordKind = "llm_call"
	RecordRepoStatus RecordKind = "repo_status"
	RecordDiff       RecordKind = "diff"
	RecordSandbox    RecordKind = "sandbox"
	RecordSnapshot   RecordKind = "snapshot"
)

// RepoStatus is the per-repo outcome recorded at finalization.
type RepoStatus struct {
	Repo      string `json:"repo"`
	Branch    string `json:"branch"`
	CommitSHA string `json:"commit_sha,omitempty"`
	Pushed    bool   `json:"pushed"`
	PRURL     string `json:"pr_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ApprovalDecision is the outcome of an approval wait.
type ApprovalDecision string

const (
	DecisionPending  ApprovalDecision = "pending"
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
	DecisionExpired  ApprovalDecision = "expired"
)

// ApprovalWait is a durable record of a run suspended at an approval gate.
type ApprovalWait struct {
	RunID      string           `json:"run_id"`
	Deadline   time.Time        `json:"deadline"`
	Decision   ApprovalDecision `json:"decision"`
	Reason     string           `json:"reason,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt time.Time        `json:"resolved_at,omitzero"`
}
