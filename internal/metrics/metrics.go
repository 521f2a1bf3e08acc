// Package metrics provides Prometheus collectors for runs, LLM calls and tools.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aikaara/assembly-lime/model"
)

// Recorder holds the collectors. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	llmRequests     *prometheus.CounterVec
	llmTokens       *prometheus.CounterVec
	llmCost         *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	toolCalls       *prometheus.CounterVec
	followUps       prometheus.Counter
	retries         *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lime_runs_total",
				Help: "Runs reaching a status, by mode",
			},
			[]string{"mode", "status"},
		),
		llmRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lime_llm_requests_total",
				Help: "LLM requests by provider, model and outcome",
			},
			[]string{"provider", "model", "status"},
		),
		llmTokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lime_llm_tokens_total",
				Help: "Tokens used in LLM requests",
			},
			[]string{"model", "type"},
		),
		llmCost: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lime_llm_cost_usd_total",
				Help: "Estimated LLM cost in USD",
			},
			[]string{"model"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lime_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		toolCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lime_tool_calls_total",
				Help: "Tool calls by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		followUps: f.NewCounter(prometheus.CounterOpts{
			Name: "lime_followups_total",
			Help: "Follow-up turn-sequences started",
		}),
		retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lime_llm_retries_total",
				Help: "Retried turn-sequences by error kind",
			},
			[]string{"kind"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// RunStatus counts a run reaching status.
func (r *Recorder) RunStatus(mode model.Mode, status model.RunStatus) {
	if r == nil {
		return
	}
	r.runsTotal.WithLabelValues(string(mode), string(status)).Inc()
}

// ObserveLLMCall records one completed LLM call.
func (r *Recorder) ObserveLLMCall(provider model.Provider, modelName string, usage model.Usage, cost float64, d time.Duration) {
	if r == nil {
		return
	}
	r.llmRequests.WithLabelValues(string(provider), modelName, "success").Inc()
	r.llmTokens.WithLabelValues(modelName, "input").Add(float64(usage.InputTokens))
	r.llmTokens.WithLabelValues(modelName, "output").Add(float64(usage.OutputTokens))
	r.llmTokens.WithLabelValues(modelName, "cache_read").Add(float64(usage.CacheReadTokens))
	r.llmTokens.WithLabelValues(modelName, "cache_write").Add(float64(usage.CacheWriteTokens))
	r.llmCost.WithLabelValues(modelName).Add(cost)
	r.requestDuration.WithLabelValues(modelName).Observe(d.Seconds())
}

// LLMError counts a failed LLM call.
func (r *Recorder) LLMError(provider model.Provider, modelName string) {
	if r == nil {
		return
	}
	r.llmRequests.WithLabelValues(string(provider), modelName, "error").Inc()
}

// ToolCall counts a tool invocation.
func (r *Recorder) ToolCall(tool string, isError bool) {
	if r == nil {
		return
	}
	outcome := "success"
	if isError {
		outcome = "error"
	}
	r.toolCalls.WithLabelValues(tool, outcome).Inc()
}

// FollowUp counts a follow-up turn-sequence.
func (r *Recorder) FollowUp() {
	if r == nil {
		return
	}
	r.followUps.Inc()
}

// Retry counts a retried turn-sequence.
func (r *Recorder) Retry(kind string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(kind).Inc()
}
