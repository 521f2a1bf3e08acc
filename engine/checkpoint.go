package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/aikaara/assembly-lime/model"
)

// checkpoint saves the conversation so the run can be resumed after a
// restart. Failures are logged; a missed checkpoint only widens the replay
// window.
func (e *Engine) checkpoint(rc *runContext) {
	if rc.agent == nil {
		return
	}
	messages, err := json.Marshal(rc.agent.Messages())
	if err != nil {
		rc.logger.Warn("encoding checkpoint", zap.Error(err))
		return
	}
	rc.mu.Lock()
	snap := &model.SessionSnapshot{
		RunID:             rc.run.ID,
		Turn:              rc.agent.Turns(),
		Messages:          messages,
		Tasks:             append([]model.Task(nil), rc.tasks...),
		FollowUpCount:     rc.followUps,
		LastUserMessageID: rc.lastMessageID,
		CreatedAt:         e.clock.Now().UTC(),
	}
	rc.mu.Unlock()

	// Checkpoints are also taken while the run context is being torn down.
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := e.deps.Store.SaveSnapshot(ctx, snap); err != nil {
		rc.logger.Warn("saving checkpoint", zap.Int("turn", snap.Turn), zap.Error(err))
		return
	}
	if !e.remoteSnaps {
		rc.logger.Debug("checkpoint saved", zap.Int("turn", snap.Turn))
	} else if err := e.deps.Snapshots.SaveSnapshot(ctx, snap); err != nil {
		rc.logger.Warn("saving remote checkpoint", zap.Int("turn", snap.Turn), zap.Error(err))
	}
	rc.bridge.Record(model.RecordSnapshot, map[string]any{
		"turn":            snap.Turn,
		"messages":        len(rc.agent.Messages()),
		"follow_up_count": snap.FollowUpCount,
		"created_at":      snap.CreatedAt.Format(time.RFC3339),
	})
}

// latestSnapshot prefers the remote snapshot store and falls back to the
// job store.
func (e *Engine) latestSnapshot(ctx context.Context, runID string) (*model.SessionSnapshot, error) {
	if e.remoteSnaps {
		snap, err := e.deps.Snapshots.LatestSnapshot(ctx, runID)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			e.logger.Warn("loading remote checkpoint", zap.String("run_id", runID), zap.Error(err))
		}
	}
	return e.deps.Store.LatestSnapshot(ctx, runID)
}
