package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aikaara/assembly-lime/llm"
	"github.com/aikaara/assembly-lime/model"
)

// Clock is the time source of the follow-up loop and retry waits.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// loopExit explains why the follow-up loop stopped.
type loopExit string

const (
	exitIdle   loopExit = "idle"
	exitBudget loopExit = "budget"
)

// followUpLoop waits for follow-up messages and runs a turn-sequence for
// each batch. It returns nil when the run should complete.
func (e *Engine) followUpLoop(ctx context.Context, rc *runContext) error {
	if rc.run.Status != model.StatusAwaitingFollowUp {
		if err := e.setStatus(ctx, rc, model.StatusAwaitingFollowUp, ""); err != nil {
			return err
		}
	}
	rc.bridge.Detach()

	exit, err := e.pollFollowUps(ctx, rc)
	if err != nil {
		return err
	}
	rc.logger.Info("follow-up loop finished", zap.String("exit", string(exit)))
	switch exit {
	case exitBudget:
		rc.bridge.Log("Time budget reached, finishing run")
	default:
		rc.bridge.Log("No follow-up received, finishing run")
	}
	return nil
}

func (e *Engine) pollFollowUps(ctx context.Context, rc *runContext) (loopExit, error) {
	cfg := e.followUpConfig()
	lastActivity := e.clock.Now()
	polls := 0

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		now := e.clock.Now()

		// The budget check comes first so queued messages cannot push a run
		// past its time budget.
		if rc.isBudgetExhausted() || (rc.run.TimeBudget > 0 && now.Sub(rc.startedAt)+cfg.TailMargin > rc.run.TimeBudget) {
			return exitBudget, nil
		}
		idle := cfg.ShortIdle
		rc.mu.Lock()
		if rc.followUps > 0 {
			idle = cfg.LongIdle
		}
		after := rc.lastMessageID
		rc.mu.Unlock()
		if now.Sub(lastActivity) > idle {
			return exitIdle, nil
		}

		polls++
		if polls%cfg.StatusCheckEvery == 0 {
			status, err := e.inbox.RunStatus(ctx, rc.run.ID)
			switch {
			case err != nil:
				rc.logger.Warn("polling run status", zap.Error(err))
			case status.IsTerminal():
				return "", endedExternally(status, "awaiting follow-ups")
			}
		}

		msgs, err := e.inbox.PendingUserMessages(ctx, rc.run.ID, after)
		if err != nil {
			rc.logger.Warn("polling follow-ups", zap.Error(err))
		}
		if len(msgs) > 0 {
			if err := e.withSlot(ctx, func() error { return e.handleFollowUp(ctx, rc, msgs) }); err != nil {
				return "", err
			}
			lastActivity = e.clock.Now()
			continue
		}

		if err := e.clock.Sleep(ctx, e.pollDelay()); err != nil {
			return "", err
		}
	}
}

// handleFollowUp runs one turn-sequence for a batch of messages.
func (e *Engine) handleFollowUp(ctx context.Context, rc *runContext, msgs []model.UserMessage) error {
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		texts = append(texts, m.Text)
	}
	text := strings.Join(texts, "\n\n")

	rc.mu.Lock()
	rc.lastMessageID = msgs[len(msgs)-1].ID
	rc.followUps++
	count := rc.followUps
	rc.mu.Unlock()
	e.deps.Metrics.FollowUp()
	rc.logger.Info("follow-up received", zap.Int("messages", len(msgs)), zap.Int("follow_up", count))

	if err := e.setStatus(ctx, rc, model.StatusRunning, ""); err != nil {
		return err
	}
	if err := e.issueToken(ctx, rc, true); err != nil {
		return err
	}
	rc.bridge.Attach(rc.agent)
	rc.bridge.Emit(model.UserMessageEvent{Text: text})

	if err := e.runSequence(ctx, rc, text); err != nil {
		return err
	}
	if rc.writes() {
		if err := e.finalize(ctx, rc); err != nil {
			return err
		}
		e.commentFollowUp(ctx, rc, text)
	}
	e.checkpoint(rc)
	rc.bridge.Detach()
	return e.setStatus(ctx, rc, model.StatusAwaitingFollowUp, "")
}

// commentFollowUp posts the request and the agent's reply on the run's pull
// request. Failures are logged.
func (e *Engine) commentFollowUp(ctx context.Context, rc *runContext, request string) {
	run := rc.run
	if run.PRNumber == 0 || e.deps.PullRequests == nil {
		return
	}
	prs, err := e.deps.PullRequests(rc.currentToken())
	if err != nil {
		rc.logger.Warn("creating pull request client", zap.Error(err))
		return
	}
	body := fmt.Sprintf("**Follow-up:** %s", model.Truncate(request, 500))
	if reply := lastAssistantText(rc.agent.Messages()); reply != "" {
		body += "\n\n" + model.Truncate(reply, 4000)
	}
	if err := prs.CommentOnPR(ctx, run.Repo.FullName(), run.PRNumber, body); err != nil {
		rc.logger.Warn("commenting on pull request", zap.Error(err))
	}
}

func lastAssistantText(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleAssistant && strings.TrimSpace(messages[i].Content) != "" {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}

// endedExternally is the error that ends a run whose status was moved to
// a terminal state outside this engine.
func endedExternally(status model.RunStatus, phase string) error {
	if status == model.StatusCancelled {
		return fmt.Errorf("%w: cancelled while %s", model.ErrCancelled, phase)
	}
	return fmt.Errorf("%w: run marked %s while %s", model.ErrTerminal, status, phase)
}

// tick delivers a value every d of clock time until ctx is done.
func (e *Engine) tick(ctx context.Context, d time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for ctx.Err() == nil && e.clock.Sleep(ctx, d) == nil {
			select {
			case ch <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (e *Engine) pollDelay() time.Duration {
	cfg := e.followUpConfig()
	if cfg.Jitter <= 0 {
		return cfg.PollInterval
	}
	return cfg.PollInterval + rand.N(cfg.Jitter)
}
