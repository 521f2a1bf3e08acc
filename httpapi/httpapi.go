// Package httpapi provides the HTTP API for lime: job submission, run
// inspection, approval and follow-up control, live event streams and the
// GitHub webhook. It delegates all run logic to the engine.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aikaara/assembly-lime/eventbus"
	"github.com/aikaara/assembly-lime/internal/github"
	"github.com/aikaara/assembly-lime/model"
	"github.com/aikaara/assembly-lime/store"
)

const (
	maxBodyBytes    = 1 << 20
	maxWebhookBytes = 10 << 20
	maxMessageRunes = 10000
	keepAlive       = 15 * time.Second
)

// Runs is the part of the engine the API drives. *engine.Engine
// implements it.
type Runs interface {
	Submit(ctx context.Context, job *model.Job) (*model.Run, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	Approve(ctx context.Context, runID string) error
	Reject(ctx context.Context, runID, reason string) error
	Cancel(ctx context.Context, runID string) error
	SendFollowUp(ctx context.Context, runID, text string) (*model.UserMessage, error)
}

// Options configures a Handler. Runs, Store, Events and Bus are required.
type Options struct {
	Runs   Runs
	Store  store.JobStore
	Events store.EventStore
	Bus    eventbus.Bus

	// Metrics serves /metrics when set.
	Metrics http.Handler
	// APIToken, when set, is required as a bearer token on every /api
	// route except the webhook.
	APIToken string
	// WebhookSecret verifies GitHub webhook signatures when set.
	WebhookSecret string
	// BotLogins are GitHub logins whose comments are ignored, in addition
	// to every "[bot]" account.
	BotLogins []string
	Logger    *zap.Logger
}

// Handler provides the HTTP API.
type Handler struct {
	opts     Options
	logger   *zap.Logger
	router   chi.Router
	upgrader websocket.Upgrader
}

// New creates a new HTTP API handler.
func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		opts:   opts,
		logger: logger.With(zap.String("component", "httpapi")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.With(middleware.Timeout(30*time.Second)).Post("/webhooks/github", h.handleGitHubWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.requireToken)
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))
				r.Post("/runs", h.handleSubmit)
				r.Get("/runs", h.handleListRuns)
				r.Get("/runs/{id}", h.handleGetRun)
				r.Get("/runs/{id}/status", h.handleStatus)
				r.Get("/runs/{id}/messages", h.handleGetMessages)
				r.Post("/runs/{id}/messages", h.handleSendMessage)
				r.Get("/runs/{id}/snapshot", h.handleSnapshot)
				r.Post("/runs/{id}/approve", h.handleApprove)
				r.Post("/runs/{id}/reject", h.handleReject)
				r.Post("/runs/{id}/cancel", h.handleCancel)
			})
			r.Get("/runs/{id}/events", h.handleEvents)
			r.Get("/runs/{id}/ws", h.handleWebsocket)
		})
	})

	if h.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.opts.Metrics)
	}
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return r
}

// --- Request/Response types ---

type sendMessageRequest struct {
	Text string `json:"text"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type statusResponse struct {
	Status model.RunStatus `json:"status"`
}

type messagesResponse struct {
	Messages []model.UserMessage `json:"messages"`
}

type actionResponse struct {
	RunID  string `json:"run_id"`
	Action string `json:"action"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var job model.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	run, err := h.opts.Runs.Submit(r.Context(), &job)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var opts store.ListOptions
	if s := r.URL.Query().Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			status := model.RunStatus(strings.TrimSpace(part))
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
				return
			}
			opts.Statuses = append(opts.Statuses, status)
		}
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}
	runs, err := h.opts.Store.ListRuns(r.Context(), opts)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.opts.Runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	run, err := h.opts.Runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: run.Status})
}

func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	after, err := queryInt(r, "after")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.opts.Runs.GetRun(r.Context(), id); err != nil {
		h.writeErr(w, err)
		return
	}
	msgs, err := h.opts.Store.PendingUserMessages(r.Context(), id, after)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if msgs == nil {
		msgs = []model.UserMessage{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if len([]rune(req.Text)) > maxMessageRunes {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("text exceeds %d characters", maxMessageRunes))
		return
	}
	msg, err := h.opts.Runs.SendFollowUp(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.opts.Store.LatestSnapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.opts.Runs.Approve(r.Context(), id); err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, actionResponse{RunID: id, Action: "approve"})
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req rejectRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := h.opts.Runs.Reject(r.Context(), id, strings.TrimSpace(req.Reason)); err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, actionResponse{RunID: id, Action: "reject"})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.opts.Runs.Cancel(r.Context(), id); err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, actionResponse{RunID: id, Action: "cancel"})
}

// handleEvents streams a run's events as server-sent events: the stored
// history after Last-Event-ID (or ?after), then live events until the run
// reaches a terminal status or the client goes away.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	after, err := lastEventID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := h.opts.Runs.GetRun(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err = h.stream(r.Context(), id, after, run.Status.IsTerminal(),
		func(env *model.Envelope) error {
			if err := writeSSE(w, env); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
		func() error {
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		})
	if err != nil && r.Context().Err() == nil {
		h.logger.Warn("event stream ended", zap.String("run_id", id), zap.Error(err))
	}
}

// handleWebsocket streams the same events as handleEvents over a
// websocket, one JSON envelope per text message.
func (h *Handler) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	after, err := queryInt(r, "after")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := h.opts.Runs.GetRun(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Reads only serve control frames; a read error means the peer left.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = h.stream(ctx, id, after, run.Status.IsTerminal(),
		func(env *model.Envelope) error {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			return conn.WriteJSON(env)
		},
		func() error {
			return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
		})
	if err != nil && ctx.Err() == nil {
		h.logger.Warn("websocket stream ended", zap.String("run_id", id), zap.Error(err))
		return
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// stream subscribes before replaying so no event falls between history and
// live delivery; live events at or below the last replayed seq are
// skipped.
func (h *Handler) stream(ctx context.Context, runID string, after int64, finished bool, send func(*model.Envelope) error, ping func() error) error {
	live, unsubscribe, err := h.opts.Bus.Subscribe(ctx, runID)
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	defer unsubscribe()

	past, err := h.opts.Events.Events(ctx, runID, after)
	if err != nil {
		return fmt.Errorf("loading events: %w", err)
	}
	for _, env := range past {
		if err := send(env); err != nil {
			return err
		}
		after = env.Seq
		if endsStream(env) {
			return nil
		}
	}
	if finished {
		return nil
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := ping(); err != nil {
				return err
			}
		case env, ok := <-live:
			if !ok {
				return nil
			}
			if env.Seq <= after {
				continue
			}
			if err := send(env); err != nil {
				return err
			}
			after = env.Seq
			if endsStream(env) {
				return nil
			}
		}
	}
}

func (h *Handler) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBytes)
	event, err := github.ParseWebhook(r, h.opts.WebhookSecret)
	if err != nil {
		h.logger.Warn("webhook parse error", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid webhook")
		return
	}
	if event == nil || h.isBot(event.User) {
		w.Write([]byte("ok"))
		return
	}

	run, err := h.runForPR(r.Context(), event.Repo, event.PRNumber)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if run == nil {
		h.logger.Debug("webhook: no active run for pull request",
			zap.String("repo", event.Repo), zap.Int("pr", event.PRNumber))
		w.Write([]byte("ok"))
		return
	}
	logger := h.logger.With(zap.String("run_id", run.ID), zap.String("user", event.User))

	switch event.Action {
	case github.ActionApprove:
		if err := h.opts.Runs.Approve(r.Context(), run.ID); err != nil {
			if errors.Is(err, model.ErrValidation) {
				logger.Info("webhook: approval for a run that is not awaiting one")
				w.Write([]byte("ok"))
				return
			}
			h.writeErr(w, err)
			return
		}
		logger.Info("webhook: run approved from pull request review")
		writeJSON(w, http.StatusAccepted, actionResponse{RunID: run.ID, Action: "approve"})
	default:
		if _, err := h.opts.Runs.SendFollowUp(r.Context(), run.ID, event.Body); err != nil {
			h.writeErr(w, err)
			return
		}
		logger.Info("webhook: follow-up queued from pull request comment")
		writeJSON(w, http.StatusAccepted, actionResponse{RunID: run.ID, Action: "follow_up"})
	}
}

// --- Helpers ---

// runForPR finds the newest non-terminal run that opened the pull request.
func (h *Handler) runForPR(ctx context.Context, repo string, number int) (*model.Run, error) {
	runs, err := h.opts.Store.ListRuns(ctx, store.ListOptions{Statuses: []model.RunStatus{
		model.StatusRunning,
		model.StatusAwaitingApproval,
		model.StatusPlanApproved,
		model.StatusAwaitingFollowUp,
	}})
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		if run.PRNumber == number && run.Repo != nil && strings.EqualFold(run.Repo.FullName(), repo) {
			return run, nil
		}
	}
	return nil, nil
}

func (h *Handler) isBot(login string) bool {
	if strings.HasSuffix(login, "[bot]") {
		return true
	}
	for _, b := range h.opts.BotLogins {
		if strings.EqualFold(b, login) {
			return true
		}
	}
	return false
}

// writeErr maps domain errors to status codes.
func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// requireToken checks the bearer token when one is configured. Browsers
// cannot set headers on EventSource or websocket requests, so ?token= is
// accepted too.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.opts.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.APIToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			h.logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// endsStream reports whether env is a terminal status event.
func endsStream(env *model.Envelope) bool {
	if env.Kind != model.KindStatus {
		return false
	}
	ev, err := model.Decode(env)
	if err != nil {
		return false
	}
	st, ok := ev.(model.StatusEvent)
	return ok && st.Status.IsTerminal()
}

func lastEventID(r *http.Request) (int64, error) {
	if s := r.Header.Get("Last-Event-ID"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid Last-Event-ID %q", s)
		}
		return n, nil
	}
	return queryInt(r, "after")
}

func queryInt(r *http.Request, key string) (int64, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeSSE(w http.ResponseWriter, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", env.Seq, env.Kind, data)
	return err
}
