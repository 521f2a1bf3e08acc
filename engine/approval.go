package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aikaara/assembly-lime/model"
)

type approvalResult struct {
	decision model.ApprovalDecision
	reason   string
}

// awaitApproval parks the run at an approval gate until it is approved,
// rejected, expired or cancelled. existing is the durable wait of a
// resumed run; nil creates a new one.
func (e *Engine) awaitApproval(ctx context.Context, rc *runContext, existing *model.ApprovalWait) error {
	runID := rc.run.ID
	ch := e.registerWaiter(runID)
	defer e.unregisterWaiter(runID, ch)

	deadline := e.clock.Now().UTC().Add(e.config.ApprovalTimeout)
	if existing != nil {
		deadline = existing.Deadline
	} else if err := e.deps.Store.CreateApprovalWait(ctx, &model.ApprovalWait{RunID: runID, Deadline: deadline}); err != nil {
		return fmt.Errorf("creating approval wait: %w", err)
	}

	if rc.run.Status != model.StatusAwaitingApproval {
		if err := e.setStatus(ctx, rc, model.StatusAwaitingApproval, approvalDetail(rc.run)); err != nil {
			return err
		}
	}
	rc.bridge.Detach()
	rc.logger.Info("awaiting approval", zap.Time("deadline", deadline))

	fc := e.followUpConfig()
	tickCtx, stopTicks := context.WithCancel(ctx)
	defer stopTicks()
	ticks := e.tick(tickCtx, fc.PollInterval*time.Duration(fc.StatusCheckEvery))

	for {
		select {
		case res := <-ch:
			return approvalOutcome(rc, res, deadline)
		case <-ticks:
			if !e.clock.Now().Before(deadline) {
				err := e.deps.Store.ResolveApprovalWait(ctx, runID, model.DecisionExpired, "approval timed out")
				switch {
				case err == nil:
					rc.logger.Info("approval expired")
					return approvalOutcome(rc, approvalResult{decision: model.DecisionExpired}, deadline)
				case !errors.Is(err, model.ErrNotFound):
					rc.logger.Warn("expiring approval wait", zap.Error(err))
				}
				// Already resolved; the decision is on its way.
			}
			status, err := e.inbox.RunStatus(ctx, runID)
			if err != nil {
				rc.logger.Warn("polling run status", zap.Error(err))
				continue
			}
			if status.IsTerminal() {
				return endedExternally(status, "awaiting approval")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func approvalOutcome(rc *runContext, res approvalResult, deadline time.Time) error {
	switch res.decision {
	case model.DecisionApproved:
		rc.bridge.Log("Approved")
		return nil
	case model.DecisionExpired:
		return fmt.Errorf("%w: no decision before %s", model.ErrApprovalTimeout, deadline.Format(time.RFC3339))
	default:
		if res.reason != "" {
			return fmt.Errorf("%w: rejected: %s", model.ErrCancelled, res.reason)
		}
		return fmt.Errorf("%w: rejected", model.ErrCancelled)
	}
}

// implementPlan runs the implementation pass of an approved plan.
func (e *Engine) implementPlan(ctx context.Context, rc *runContext) error {
	if err := e.setStatus(ctx, rc, model.StatusPlanApproved, ""); err != nil {
		return err
	}
	return e.withSlot(ctx, func() error {
		if err := e.setStatus(ctx, rc, model.StatusRunning, ""); err != nil {
			return err
		}
		if err := e.issueToken(ctx, rc, false); err != nil {
			return err
		}
		if err := e.createBranch(ctx, rc); err != nil {
			return err
		}
		e.configureAgent(ctx, rc)
		rc.bridge.Attach(rc.agent)
		if err := e.runSequence(ctx, rc, implementPlanPrompt(rc.snapshotTasks())); err != nil {
			return err
		}
		e.checkpoint(rc)
		return e.finalize(ctx, rc)
	})
}

// resolveApproval records a decision and wakes the parked run.
func (e *Engine) resolveApproval(ctx context.Context, runID string, decision model.ApprovalDecision, reason string) error {
	if err := e.deps.Store.ResolveApprovalWait(ctx, runID, decision, reason); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			if _, gerr := e.deps.Store.GetRun(ctx, runID); gerr != nil {
				return gerr
			}
			return fmt.Errorf("%w: run %s is not awaiting approval", model.ErrValidation, runID)
		}
		return err
	}
	e.logger.Info("approval resolved", zap.String("run_id", runID), zap.String("decision", string(decision)))
	e.notifyWaiter(runID, approvalResult{decision: decision, reason: reason})
	return nil
}

// SweepApprovals expires overdue approval waits. Runs parked in this
// process are woken; orphaned runs are failed directly.
func (e *Engine) SweepApprovals(ctx context.Context) {
	waits, err := e.deps.Store.PendingApprovalWaits(ctx)
	if err != nil {
		e.logger.Warn("listing approval waits", zap.Error(err))
		return
	}
	now := e.clock.Now()
	for _, w := range waits {
		if w.Deadline.After(now) {
			continue
		}
		if err := e.deps.Store.ResolveApprovalWait(ctx, w.RunID, model.DecisionExpired, "approval timed out"); err != nil {
			e.logger.Warn("expiring approval wait", zap.String("run_id", w.RunID), zap.Error(err))
			continue
		}
		e.logger.Info("approval expired", zap.String("run_id", w.RunID))
		if e.notifyWaiter(w.RunID, approvalResult{decision: model.DecisionExpired}) {
			continue
		}
		e.failOrphan(ctx, w.RunID, model.ErrApprovalTimeout)
	}
}

// failOrphan fails a run that has no goroutine in this process.
func (e *Engine) failOrphan(ctx context.Context, runID string, cause error) {
	if e.isActive(runID) {
		return
	}
	run, err := e.deps.Store.GetRun(ctx, runID)
	if err != nil || run.Status.IsTerminal() {
		return
	}
	run.Error = cause.Error()
	if err := e.deps.Store.UpdateRun(ctx, run); err != nil {
		e.logger.Warn("updating orphaned run", zap.String("run_id", runID), zap.Error(err))
	}
	if err := e.deps.Store.SetStatus(ctx, runID, model.StatusFailed); err != nil {
		e.logger.Warn("failing orphaned run", zap.String("run_id", runID), zap.Error(err))
		return
	}
	e.deps.Metrics.RunStatus(run.Mode, model.StatusFailed)
	e.emit(runID, model.ErrorEvent{Message: cause.Error()})
	e.emit(runID, model.StatusEvent{Status: model.StatusFailed, Detail: cause.Error()})
}

// pendingWait returns the run's unresolved wait, if any.
func (e *Engine) pendingWait(ctx context.Context, runID string) *model.ApprovalWait {
	waits, err := e.deps.Store.PendingApprovalWaits(ctx)
	if err != nil {
		e.logger.Warn("listing approval waits", zap.Error(err))
		return nil
	}
	for _, w := range waits {
		if w.RunID == runID {
			return w
		}
	}
	return nil
}

func (e *Engine) registerWaiter(runID string) chan approvalResult {
	ch := make(chan approvalResult, 1)
	e.mu.Lock()
	e.waiters[runID] = ch
	e.mu.Unlock()
	return ch
}

func (e *Engine) unregisterWaiter(runID string, ch chan approvalResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.waiters[runID] == ch {
		delete(e.waiters, runID)
	}
}

// notifyWaiter reports whether a parked run received the result.
func (e *Engine) notifyWaiter(runID string, res approvalResult) bool {
	e.mu.Lock()
	ch, ok := e.waiters[runID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- res:
	default:
	}
	return true
}

func approvalDetail(run *model.Run) string {
	switch {
	case run.PRURL != "":
		return "review " + run.PRURL
	case run.Mode == model.ModePlan:
		return fmt.Sprintf("%d tasks ready for review", len(run.Tasks))
	}
	return ""
}
