// Package notify posts run progress to Slack and turns Slack interactions
// into run actions.
//
// The bot connects with Socket Mode, so no public URL is needed. Each run
// gets one thread: status changes, errors, previews and task lists are
// posted there, and a run waiting for approval gets Approve/Reject buttons.
// Mentioning the bot starts a run; mentioning it inside a run's thread
// sends a follow-up message to that run.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"

	"github.com/aikaara/assembly-lime/model"
)

const (
	actionApprove = "lime_approve"
	actionReject  = "lime_reject"
)

// Controller performs the run actions the bot exposes.
type Controller interface {
	Submit(ctx context.Context, job *model.Job) (*model.Run, error)
	Approve(ctx context.Context, runID string) error
	Reject(ctx context.Context, runID, reason string) error
	SendFollowUp(ctx context.Context, runID, text string) (*model.UserMessage, error)
}

// RunLookup fetches a run for richer messages.
type RunLookup interface {
	GetRun(ctx context.Context, id string) (*model.Run, error)
}

// Options configures the bot.
type Options struct {
	// BotToken is the Bot User OAuth Token (xoxb-...).
	BotToken string
	// AppToken is the App-Level Token (xapp-...) required for Socket Mode.
	AppToken string
	// Channel receives threads for runs not started from Slack.
	Channel string
	// DefaultProvider is used for runs started by a mention.
	DefaultProvider model.Provider
	// APIURL overrides the Slack Web API endpoint.
	APIURL string
	Logger *zap.Logger
}

type thread struct {
	channel string
	ts      string
}

// Bot is the Slack Socket Mode bot. It is also an event sink.
type Bot struct {
	api    *slack.Client
	socket *socketmode.Client
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	ctrl    Controller
	runs    RunLookup
	threads map[string]thread // run id -> thread
	byTS    map[string]string // thread ts -> run id
}

// New creates a bot. Call SetController before Run.
func New(opts Options) *Bot {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "slack"))
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = model.ProviderAnthropic
	}

	apiOpts := []slack.Option{slack.OptionAppLevelToken(opts.AppToken)}
	if opts.APIURL != "" {
		apiOpts = append(apiOpts, slack.OptionAPIURL(opts.APIURL))
	}
	api := slack.New(opts.BotToken, apiOpts...)
	socket := socketmode.New(api, socketmode.OptionLog(zap.NewStdLog(logger)))

	return &Bot{
		api:     api,
		socket:  socket,
		opts:    opts,
		logger:  logger,
		threads: map[string]thread{},
		byTS:    map[string]string{},
	}
}

// SetController binds the run actions and the run lookup.
func (b *Bot) SetController(ctrl Controller, runs RunLookup) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctrl = ctrl
	b.runs = runs
}

// Run connects to Slack via Socket Mode and processes events.
// It blocks until the context is canceled or a fatal error occurs.
func (b *Bot) Run(ctx context.Context) error {
	go b.eventLoop(ctx)
	b.logger.Info("connecting via socket mode")
	return b.socket.RunContext(ctx)
}

func (b *Bot) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.socket.Events:
			if !ok {
				return
			}
			b.handleEvent(ctx, evt)
		}
	}
}

func (b *Bot) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.logger.Debug("connecting")
	case socketmode.EventTypeConnected:
		b.logger.Info("connected")
	case socketmode.EventTypeConnectionError:
		b.logger.Warn("connection error, will retry")
	case socketmode.EventTypeEventsAPI:
		b.ack(evt)
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || apiEvent.Type != slackevents.CallbackEvent {
			return
		}
		if mention, ok := apiEvent.InnerEvent.Data.(*slackevents.AppMentionEvent); ok {
			go b.handleMention(ctx, mention)
		}
	case socketmode.EventTypeInteractive:
		b.ack(evt)
		if cb, ok := evt.Data.(slack.InteractionCallback); ok {
			b.handleInteraction(ctx, cb)
		}
	}
}

// ack answers within Slack's three second window.
func (b *Bot) ack(evt socketmode.Event) {
	if evt.Request != nil {
		b.socket.Ack(*evt.Request)
	}
}

// handleMention starts a run, or sends a follow-up when the mention is in
// a run's thread.
func (b *Bot) handleMention(ctx context.Context, ev *slackevents.AppMentionEvent) {
	text := stripMention(ev.Text)
	threadTS := ev.TimeStamp
	if ev.ThreadTimeStamp != "" {
		threadTS = ev.ThreadTimeStamp
	}

	b.mu.Lock()
	ctrl := b.ctrl
	runID, inRunThread := b.byTS[threadTS]
	b.mu.Unlock()
	if ctrl == nil {
		return
	}

	if inRunThread && ev.ThreadTimeStamp != "" {
		if text == "" {
			return
		}
		if _, err := ctrl.SendFollowUp(ctx, runID, text); err != nil {
			b.post(ctx, ev.Channel, threadTS, fmt.Sprintf(":x: Could not send follow-up: %s", err))
			return
		}
		b.post(ctx, ev.Channel, threadTS, ":speech_balloon: Follow-up queued.")
		return
	}

	job, err := parseMention(text, b.opts.DefaultProvider)
	if err != nil {
		b.post(ctx, ev.Channel, threadTS, err.Error())
		return
	}
	run, err := ctrl.Submit(ctx, job)
	if err != nil {
		b.post(ctx, ev.Channel, threadTS, fmt.Sprintf(":x: Failed to start run: %s", err))
		return
	}
	b.bind(run.ID, thread{channel: ev.Channel, ts: threadTS})
	b.post(ctx, ev.Channel, threadTS,
		fmt.Sprintf(":rocket: *Run `%s` queued* (%s)\n> %s", run.ID, run.Mode, model.Truncate(job.Prompt, 200)))
}

// handleInteraction resolves approval button clicks.
func (b *Bot) handleInteraction(ctx context.Context, cb slack.InteractionCallback) {
	if cb.Type != slack.InteractionTypeBlockActions {
		return
	}
	b.mu.Lock()
	ctrl := b.ctrl
	b.mu.Unlock()
	if ctrl == nil {
		return
	}

	for _, action := range cb.ActionCallback.BlockActions {
		runID := action.Value
		var (
			err     error
			outcome string
		)
		switch action.ActionID {
		case actionApprove:
			err = ctrl.Approve(ctx, runID)
			outcome = fmt.Sprintf(":white_check_mark: Approved by <@%s>", cb.User.ID)
		case actionReject:
			err = ctrl.Reject(ctx, runID, "rejected in Slack by "+cb.User.ID)
			outcome = fmt.Sprintf(":no_entry: Rejected by <@%s>", cb.User.ID)
		default:
			continue
		}
		if err != nil {
			outcome = fmt.Sprintf(":warning: %s", err)
		}
		// Replace the buttons so a decision cannot be clicked twice.
		_, _, _, uerr := b.api.UpdateMessageContext(ctx, cb.Channel.ID, cb.Message.Timestamp,
			slack.MsgOptionText(outcome, false),
			slack.MsgOptionBlocks(slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType, outcome, false, false), nil, nil)),
		)
		if uerr != nil {
			b.logger.Warn("updating approval message", zap.String("run_id", runID), zap.Error(uerr))
		}
	}
}

// Emit posts the events a human watching the thread cares about. Message,
// log and diff events are skipped to avoid flooding the thread.
func (b *Bot) Emit(ctx context.Context, runID string, ev model.AgentEvent) error {
	switch e := ev.(type) {
	case model.StatusEvent:
		b.status(ctx, runID, e)
	case model.ErrorEvent:
		if t, ok := b.threadFor(ctx, runID); ok {
			b.post(ctx, t.channel, t.ts, fmt.Sprintf(":x: *Error:* %s", e.Message))
		}
	case model.PreviewEvent:
		if t, ok := b.threadFor(ctx, runID); ok && e.URL != "" {
			b.post(ctx, t.channel, t.ts, fmt.Sprintf(":eyes: Preview %s: <%s>", e.Status, e.URL))
		}
	case model.TasksEvent:
		if t, ok := b.threadFor(ctx, runID); ok {
			b.post(ctx, t.channel, t.ts, formatTasks(e.Tasks))
		}
	}
	return nil
}

func (b *Bot) status(ctx context.Context, runID string, e model.StatusEvent) {
	t, ok := b.threadFor(ctx, runID)
	if !ok {
		return
	}
	switch e.Status {
	case model.StatusAwaitingApproval:
		b.postApproval(ctx, t, runID)
	case model.StatusCompleted:
		b.post(ctx, t.channel, t.ts, b.completion(ctx, runID))
		b.forget(runID)
	case model.StatusFailed:
		b.post(ctx, t.channel, t.ts, fmt.Sprintf(":x: Run failed: %s", e.Detail))
		b.forget(runID)
	case model.StatusCancelled:
		b.post(ctx, t.channel, t.ts, ":stop_sign: Run cancelled.")
		b.forget(runID)
	case model.StatusAwaitingFollowUp:
		b.post(ctx, t.channel, t.ts, ":hourglass: Waiting for follow-ups. Mention me in this thread to continue.")
	default:
		b.post(ctx, t.channel, t.ts, fmt.Sprintf(":gear: %s", model.Summary(e)))
	}
}

// postApproval posts a Block Kit message with approve and reject buttons.
func (b *Bot) postApproval(ctx context.Context, t thread, runID string) {
	text := fmt.Sprintf("*Run `%s` is waiting for approval.*", runID)
	if run := b.lookup(ctx, runID); run != nil {
		switch {
		case run.Mode == model.ModePlan:
			text += fmt.Sprintf("\nReview the %d planned tasks above.", len(run.Tasks))
		case run.PRURL != "":
			text += fmt.Sprintf("\n<%s|PR #%d>", run.PRURL, run.PRNumber)
		}
	}

	section := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
	approve := slack.NewButtonBlockElement(actionApprove, runID,
		slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false))
	approve.Style = slack.StylePrimary
	reject := slack.NewButtonBlockElement(actionReject, runID,
		slack.NewTextBlockObject(slack.PlainTextType, "Reject", false, false))
	reject.Style = slack.StyleDanger
	actions := slack.NewActionBlock("approval_"+runID, approve, reject)

	_, _, err := b.api.PostMessageContext(ctx, t.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(section, actions),
		slack.MsgOptionTS(t.ts),
	)
	if err != nil {
		b.logger.Warn("posting approval request", zap.String("run_id", runID), zap.Error(err))
	}
}

func (b *Bot) completion(ctx context.Context, runID string) string {
	run := b.lookup(ctx, runID)
	if run == nil || run.PRURL == "" {
		return ":white_check_mark: Run complete."
	}
	return fmt.Sprintf(":white_check_mark: *Run complete.* <%s|PR #%d: %s>",
		run.PRURL, run.PRNumber, model.Truncate(run.Prompt(), 60))
}

// threadFor returns the run's thread, starting one in the default channel
// when the run did not come from Slack.
func (b *Bot) threadFor(ctx context.Context, runID string) (thread, bool) {
	b.mu.Lock()
	t, ok := b.threads[runID]
	b.mu.Unlock()
	if ok {
		return t, true
	}
	if b.opts.Channel == "" {
		return thread{}, false
	}
	text := fmt.Sprintf(":rocket: Run `%s` started", runID)
	if run := b.lookup(ctx, runID); run != nil {
		text += fmt.Sprintf(" (%s)\n> %s", run.Mode, model.Truncate(run.Prompt(), 200))
	}
	_, ts, err := b.api.PostMessageContext(ctx, b.opts.Channel, slack.MsgOptionText(text, false))
	if err != nil {
		b.logger.Warn("starting run thread", zap.String("run_id", runID), zap.Error(err))
		return thread{}, false
	}
	t = thread{channel: b.opts.Channel, ts: ts}
	b.bind(runID, t)
	return t, true
}

func (b *Bot) bind(runID string, t thread) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threads[runID] = t
	b.byTS[t.ts] = runID
}

func (b *Bot) forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.threads[runID]; ok {
		delete(b.byTS, t.ts)
		delete(b.threads, runID)
	}
}

func (b *Bot) lookup(ctx context.Context, runID string) *model.Run {
	b.mu.Lock()
	runs := b.runs
	b.mu.Unlock()
	if runs == nil {
		return nil
	}
	run, err := runs.GetRun(ctx, runID)
	if err != nil {
		return nil
	}
	return run
}

// post sends a plain text message as a thread reply.
func (b *Bot) post(ctx context.Context, channel, threadTS, text string) {
	_, _, err := b.api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		b.logger.Warn("posting message", zap.String("channel", channel), zap.Error(err))
	}
}

// --- Helpers ---

// stripMention removes the leading <@U12345> from a mention.
func stripMention(text string) string {
	if strings.HasPrefix(strings.TrimSpace(text), "<@") {
		if idx := strings.Index(text, ">"); idx >= 0 {
			text = text[idx+1:]
		}
	}
	return strings.TrimSpace(text)
}

const mentionUsage = "Please describe the task. Example:\n`@lime add rate limiting to the users API --repo owner/repo --mode implement`"

// parseMention builds a job from "<prompt> --repo owner/name [--mode m] [--provider p]".
func parseMention(text string, provider model.Provider) (*model.Job, error) {
	job := &model.Job{Provider: provider, Mode: model.ModeImplement}
	var prompt []string
	fields := strings.Fields(text)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if !strings.HasPrefix(f, "--") || i+1 >= len(fields) {
			prompt = append(prompt, f)
			continue
		}
		val := fields[i+1]
		switch f {
		case "--repo":
			owner, name, ok := strings.Cut(strings.Trim(val, "<>"), "/")
			if !ok || owner == "" || name == "" {
				return nil, fmt.Errorf("Repository must look like `owner/name`, got `%s`.", val)
			}
			job.Repo = &model.RepoTarget{Owner: owner, Name: name, Primary: true}
		case "--mode":
			job.Mode = model.Mode(val)
		case "--provider":
			job.Provider = model.Provider(val)
		default:
			prompt = append(prompt, f)
			continue
		}
		i++
	}
	job.Prompt = strings.Join(prompt, " ")
	if job.Prompt == "" {
		return nil, fmt.Errorf("%s", mentionUsage)
	}
	if job.Repo == nil {
		return nil, fmt.Errorf("I couldn't determine which repository to work in.\n%s", mentionUsage)
	}
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid request: %s", err)
	}
	return job, nil
}

func formatTasks(tasks []model.Task) string {
	var sb strings.Builder
	sb.WriteString(":clipboard: *Tasks*\n")
	for _, t := range tasks {
		mark := ":white_large_square:"
		switch t.Status {
		case model.TaskInProgress:
			mark = ":arrow_forward:"
		case model.TaskCompleted:
			mark = ":white_check_mark:"
		}
		fmt.Fprintf(&sb, "%s `%s` %s\n", mark, t.TicketID, t.Title)
	}
	return sb.String()
}
