// Package bridge translates the agent's internal event stream into
// externally visible run events and LLM call records.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aikaara/assembly-lime/agent"
	"github.com/aikaara/assembly-lime/internal/metrics"
	"github.com/aikaara/assembly-lime/model"
	"github.com/aikaara/assembly-lime/store"
	"github.com/aikaara/assembly-lime/tools"
)

// DefaultHeartbeat is the interval between heartbeat log events.
const DefaultHeartbeat = 30 * time.Second

const (
	sinkTimeout    = 10 * time.Second
	maxArgsPreview = 200
)

// Options configures a Bridge.
type Options struct {
	RunID    string
	Provider model.Provider
	Events   store.EventSink
	Records  store.RecordSink
	Logger   *zap.Logger
	Metrics  *metrics.Recorder

	// Heartbeat defaults to DefaultHeartbeat; negative disables it.
	Heartbeat time.Duration

	// SuppressFinalStatus stops Finish from emitting a terminal
	// StatusEvent, for callers that decide the final status themselves.
	SuppressFinalStatus bool
}

// Bridge is bound to one run. It may be attached to an agent, detached,
// and attached again for follow-up turn-sequences.
type Bridge struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	text    strings.Builder
	usage   model.Usage
	costUSD float64
	calls   int
	turn    int

	unsubscribe func()
	stopBeat    chan struct{}
	beatDone    chan struct{}
	attachedAt  time.Time
}

// New creates a bridge for one run.
func New(opts Options) *Bridge {
	if opts.Heartbeat == 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		opts:   opts,
		logger: logger.With(zap.String("run_id", opts.RunID)),
	}
}

// Attach subscribes to a's events and starts the heartbeat. Attaching an
// already attached bridge detaches it first.
func (b *Bridge) Attach(a *agent.Agent) {
	b.Detach()

	unsub := a.Subscribe(b.handle)

	b.mu.Lock()
	b.unsubscribe = unsub
	b.attachedAt = time.Now()
	if b.opts.Heartbeat > 0 {
		b.stopBeat = make(chan struct{})
		b.beatDone = make(chan struct{})
		go b.heartbeat(b.stopBeat, b.beatDone)
	}
	b.mu.Unlock()
}

// Detach unsubscribes and stops the heartbeat. Buffered text is flushed.
func (b *Bridge) Detach() {
	b.mu.Lock()
	unsub := b.unsubscribe
	stop, done := b.stopBeat, b.beatDone
	b.unsubscribe, b.stopBeat, b.beatDone = nil, nil, nil
	b.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if stop != nil {
		close(stop)
		<-done
	}
	b.flush()
}

// Attached reports whether the bridge is subscribed to an agent.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unsubscribe != nil
}

// Emit sends ev to the event sink, logging failures.
func (b *Bridge) Emit(ev model.AgentEvent) {
	if b.opts.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := b.opts.Events.Emit(ctx, b.opts.RunID, ev); err != nil {
		b.logger.Warn("emitting event", zap.String("kind", string(ev.Kind())), zap.Error(err))
	}
}

// Record sends a structured record to the record sink, logging failures.
func (b *Bridge) Record(kind model.RecordKind, payload any) {
	if b.opts.Records == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := b.opts.Records.Record(ctx, b.opts.RunID, kind, payload); err != nil {
		b.logger.Warn("recording", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// Log emits a LogEvent.
func (b *Bridge) Log(format string, args ...any) {
	b.Emit(model.LogEvent{Text: fmt.Sprintf(format, args...)})
}

// Finish detaches, logs aggregate usage and, unless suppressed, emits the
// final status: failed when err is non-nil, completed otherwise.
func (b *Bridge) Finish(err error) {
	b.Detach()

	usage, cost, calls := b.Usage()
	b.logger.Info("run usage",
		zap.Int("llm_calls", calls),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
		zap.Int64("cache_read_tokens", usage.CacheReadTokens),
		zap.Int64("cache_write_tokens", usage.CacheWriteTokens),
		zap.Float64("cost_usd", cost),
	)

	if b.opts.SuppressFinalStatus {
		return
	}
	if err != nil {
		b.Emit(model.ErrorEvent{Message: err.Error()})
		b.Emit(model.StatusEvent{Status: model.StatusFailed, Detail: err.Error()})
		return
	}
	b.Emit(model.StatusEvent{Status: model.StatusCompleted})
}

// Usage returns usage aggregated over every turn seen by the bridge.
func (b *Bridge) Usage() (model.Usage, float64, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usage, b.costUSD, b.calls
}

func (b *Bridge) handle(ev agent.Event) {
	switch ev.Type {
	case agent.EventTurnStart:
		b.mu.Lock()
		b.turn = ev.Turn
		b.mu.Unlock()

	case agent.EventTextDelta:
		b.mu.Lock()
		b.text.WriteString(ev.Text)
		b.mu.Unlock()

	case agent.EventToolStart:
		b.Emit(model.LogEvent{Text: fmt.Sprintf("Running %s %s", ev.ToolName, argsPreview(ev.Args))})

	case agent.EventToolEnd:
		b.toolEnd(ev)

	case agent.EventTurnEnd:
		b.flush()
		b.turnEnd(ev)

	case agent.EventAgentEnd:
		b.flush()
		if ev.Err != nil {
			b.logger.Warn("turn-sequence ended with error", zap.String("reason", string(ev.EndReason)), zap.Error(ev.Err))
		}
	}
}

func (b *Bridge) toolEnd(ev agent.Event) {
	isError := ev.Result != nil && ev.Result.IsError
	b.opts.Metrics.ToolCall(ev.ToolName, isError)

	if isError {
		b.Emit(model.LogEvent{Text: fmt.Sprintf("%s failed: %s", ev.ToolName, firstLine(ev.Result.Text()))})
		return
	}
	b.Emit(model.LogEvent{Text: fmt.Sprintf("%s done", ev.ToolName)})

	if ev.ToolName != "edit" || ev.Result == nil {
		return
	}
	var d tools.EditDetails
	switch v := ev.Result.Details.(type) {
	case tools.EditDetails:
		d = v
	case *tools.EditDetails:
		d = *v
	default:
		return
	}
	if d.Diff == "" {
		return
	}
	diff := model.DiffEvent{Diff: d.Diff, Path: d.Path, Summary: fmt.Sprintf("edited %s at line %d", d.Path, d.FirstChangedLine)}
	b.Emit(diff)
	b.Record(model.RecordDiff, diff)
}

func (b *Bridge) turnEnd(ev agent.Event) {
	b.mu.Lock()
	b.usage.Add(ev.Usage)
	b.costUSD += ev.CostUSD
	b.calls++
	b.mu.Unlock()

	b.opts.Metrics.ObserveLLMCall(b.opts.Provider, ev.Model, ev.Usage, ev.CostUSD, ev.Duration)
	b.Record(model.RecordLlmCall, model.LlmCallDump{
		RunID:       b.opts.RunID,
		Turn:        ev.Turn,
		Provider:    b.opts.Provider,
		Model:       ev.Model,
		Usage:       ev.Usage,
		CostUSD:     ev.CostUSD,
		StopReason:  string(ev.StopReason),
		Duration:    ev.Duration,
		RawResponse: ev.Raw,
	})
}

// flush emits buffered assistant text as one message.
func (b *Bridge) flush() {
	b.mu.Lock()
	text := strings.TrimSpace(b.text.String())
	b.text.Reset()
	b.mu.Unlock()
	if text == "" {
		return
	}
	b.Emit(model.MessageEvent{Role: "assistant", Text: text})
}

func (b *Bridge) heartbeat(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			turn, since := b.turn, time.Since(b.attachedAt).Round(time.Second)
			b.mu.Unlock()
			b.Emit(model.LogEvent{Text: fmt.Sprintf("Still working (turn %d, %s)", turn, since)})
		}
	}
}

// --- Helpers ---

func argsPreview(args json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil || len(m) == 0 {
		return ""
	}
	for _, key := range []string{"command", "path", "pattern"} {
		if v, ok := m[key].(string); ok {
			return model.Truncate(firstLine(v), maxArgsPreview)
		}
	}
	return model.Truncate(string(args), maxArgsPreview)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
