// Package store defines the persistence and outbound sink contracts the
// orchestrator depends on.
package store

import (
	"context"

	"github.com/aikaara/assembly-lime/model"
)

// ListOptions filters ListRuns.
type ListOptions struct {
	Statuses []model.RunStatus
	Limit    int
}

// JobStore persists runs and the state needed to resume them.
type JobStore interface {
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]*model.Run, error)
	UpdateRun(ctx context.Context, run *model.Run) error
	// SetStatus moves a run to status. It returns model.ErrTerminal when the
	// run is already terminal and status differs.
	SetStatus(ctx context.Context, id string, status model.RunStatus) error

	AddUserMessage(ctx context.Context, runID, text string) (*model.UserMessage, error)
	PendingUserMessages(ctx context.Context, runID string, afterID int64) ([]model.UserMessage, error)

	SaveSnapshot(ctx context.Context, snap *model.SessionSnapshot) error
	// LatestSnapshot returns model.ErrNotFound when the run has none.
	LatestSnapshot(ctx context.Context, runID string) (*model.SessionSnapshot, error)

	CreateApprovalWait(ctx context.Context, w *model.ApprovalWait) error
	ResolveApprovalWait(ctx context.Context, runID string, decision model.ApprovalDecision, reason string) error
	PendingApprovalWaits(ctx context.Context) ([]*model.ApprovalWait, error)
}

// EventStore is the append-only per-run event log.
type EventStore interface {
	// AddEvent assigns env.Seq and env.ID.
	AddEvent(ctx context.Context, env *model.Envelope) error
	Events(ctx context.Context, runID string, afterSeq int64) ([]*model.Envelope, error)
}

// RecordStore keeps structured records (LLM call dumps, diffs, ...).
type RecordStore interface {
	AddRecord(ctx context.Context, runID string, kind model.RecordKind, payload []byte) error
}

// EventSink receives agent events for a run. Delivery is best effort.
type EventSink interface {
	Emit(ctx context.Context, runID string, ev model.AgentEvent) error
}

// RecordSink receives structured records for a run.
type RecordSink interface {
	Record(ctx context.Context, runID string, kind model.RecordKind, payload any) error
}

// Publisher fans envelopes out to live subscribers.
type Publisher interface {
	Publish(runID string, env *model.Envelope)
}
