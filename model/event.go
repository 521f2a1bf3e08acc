package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind tags an AgentEvent variant.
type EventKind string

const (
	KindMessage     EventKind = "message"
	KindLog         EventKind = "log"
	KindDiff        EventKind = "diff"
	KindArtifact    EventKind = "artifact"
	KindError       EventKind = "error"
	KindStatus      EventKind = "status"
	KindPreview     EventKind = "preview"
	KindSandbox     EventKind = "sandbox"
	KindTasks       EventKind = "tasks"
	KindUserMessage EventKind = "user_message"
)

// AllEventKinds lists every kind in a stable order.
var AllEventKinds = []EventKind{
	KindMessage, KindLog, KindDiff, KindArtifact, KindError,
	KindStatus, KindPreview, KindSandbox, KindTasks, KindUserMessage,
}

// AgentEvent is an externally observable progress item. The set of
// variants is closed: only types in this package implement it.
type AgentEvent interface {
	Kind() EventKind
	agentEvent()
}

// MessageEvent carries one complete, role-tagged message.
type MessageEvent struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// LogEvent is a human-readable progress line.
type LogEvent struct {
	Text string `json:"text"`
}

// DiffEvent carries a unified diff.
type DiffEvent struct {
	Diff    string `json:"diff"`
	Summary string `json:"summary,omitempty"`
	Path    string `json:"path,omitempty"`
}

// ArtifactEvent points at a named artifact.
type ArtifactEvent struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
}

// ErrorEvent reports a failure to the human observer.
type ErrorEvent struct {
	Message string `json:"message"`
}

// StatusEvent reports a run status change.
type StatusEvent struct {
	Status RunStatus `json:"status"`
	Detail string    `json:"detail,omitempty"`
}

// PreviewEvent reports a dev-server preview deployment.
type PreviewEvent struct {
	URL    string `json:"url"`
	Status string `json:"status"`
}

// SandboxEvent reports the sandbox backing the run.
type SandboxEvent struct {
	SandboxID string `json:"sandbox_id"`
	URL       string `json:"url,omitempty"`
}

// TasksEvent carries the full ordered task list.
type TasksEvent struct {
	Tasks []Task `json:"tasks"`
}

// UserMessageEvent echoes an injected follow-up message.
type UserMessageEvent struct {
	Text string `json:"text"`
}

func (MessageEvent) Kind() EventKind     { return KindMessage }
func (LogEvent) Kind() EventKind         { return KindLog }
func (DiffEvent) Kind() EventKind        { return KindDiff }
func (ArtifactEvent) Kind() EventKind    { return KindArtifact }
func (ErrorEvent) Kind() EventKind       { return KindError }
func (StatusEvent) Kind() EventKind      { return KindStatus }
func (PreviewEvent) Kind() EventKind     { return KindPreview }
func (SandboxEvent) Kind() EventKind     { return KindSandbox }
func (TasksEvent) Kind() EventKind       { return KindTasks }
func (UserMessageEvent) Kind() EventKind { return KindUserMessage }

func (MessageEvent) agentEvent()     {}
func (LogEvent) agentEvent()         {}
func (DiffEvent) agentEvent()        {}
func (ArtifactEvent) agentEvent()    {}
func (ErrorEvent) agentEvent()       {}
func (StatusEvent) agentEvent()      {}
func (PreviewEvent) agentEvent()     {}
func (SandboxEvent) agentEvent()     {}
func (TasksEvent) agentEvent()       {}
func (UserMessageEvent) agentEvent() {}

// Envelope is the persisted and wire form of an AgentEvent.
type Envelope struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Encode wraps an event into an envelope. ID and Seq are assigned by the store.
func Encode(runID string, ev AgentEvent) (*Envelope, error) {
	if ev == nil {
		return nil, fmt.Errorf("encoding event: nil event")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", ev.Kind(), err)
	}
	return &Envelope{
		RunID:     runID,
		Kind:      ev.Kind(),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Decode restores the typed event from an envelope.
func Decode(env *Envelope) (AgentEvent, error) {
	var ev AgentEvent
	switch env.Kind {
	case KindMessage:
		ev = &MessageEvent{}
	case KindLog:
		ev = &LogEvent{}
	case KindDiff:
		ev = &DiffEvent{}
	case KindArtifact:
		ev = &ArtifactEvent{}
	case KindError:
		ev = &ErrorEvent{}
	case KindStatus:
		ev = &StatusEvent{}
	case KindPreview:
		ev = &PreviewEvent{}
	case KindSandbox:
		ev = &SandboxEvent{}
	case KindTasks:
		ev = &TasksEvent{}
	case KindUserMessage:
		ev = &UserMessageEvent{}
	default:
		return nil, fmt.Errorf("decoding event: unknown kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", env.Kind, err)
	}
	return deref(ev), nil
}

// deref returns the value form so decoded events compare equal to the
// values that were encoded.
func deref(ev AgentEvent) AgentEvent {
	switch e := ev.(type) {
	case *MessageEvent:
		return *e
	case *LogEvent:
		return *e
	case *DiffEvent:
		return *e
	case *ArtifactEvent:
		return *e
	case *ErrorEvent:
		return *e
	case *StatusEvent:
		return *e
	case *PreviewEvent:
		return *e
	case *SandboxEvent:
		return *e
	case *TasksEvent:
		return *e
	case *UserMessageEvent:
		return *e
	}
	return ev
}

// Summary renders a one-line description, used by the CLI and Slack.
func Summary(ev AgentEvent) string {
	switch e := ev.(type) {
	case MessageEvent:
		return fmt.Sprintf("[%s] %s", e.Role, e.Text)
	case LogEvent:
		return e.Text
	case DiffEvent:
		if e.Summary != "" {
			return "diff: " + e.Summary
		}
		return "diff: " + e.Path
	case ArtifactEvent:
		return fmt.Sprintf("artifact %s: %s", e.Name, e.URL)
	case ErrorEvent:
		return "error: " + e.Message
	case StatusEvent:
		if e.Detail != "" {
			return fmt.Sprintf("status: %s (%s)", e.Status, e.Detail)
		}
		return "status: " + string(e.Status)
	case PreviewEvent:
		return fmt.Sprintf("preview %s: %s", e.Status, e.URL)
	case SandboxEvent:
		return "sandbox: " + e.SandboxID
	case TasksEvent:
		return fmt.Sprintf("tasks: %d", len(e.Tasks))
	case UserMessageEvent:
		return "[user] " + e.Text
	}
	return string(ev.Kind())
}
