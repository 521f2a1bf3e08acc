package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aikaara/assembly-lime/internal/retry"
	"github.com/aikaara/assembly-lime/model"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	c := New(Config{
		BaseURL: srv.URL + "/",
		Token:   "secret",
		Retry:   retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 1},
	}, nil)
	c.policy.Sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestEmitPostsEnvelope(t *testing.T) {
	var got model.Envelope
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs/r1/events", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.Emit(context.Background(), "r1", model.LogEvent{Text: "Running bash"}))
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, model.KindLog, got.Kind)
	ev, err := model.Decode(&got)
	require.NoError(t, err)
	assert.Equal(t, model.LogEvent{Text: "Running bash"}, ev)
}

func TestRecordRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs/r1/records", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body struct {
			Kind    model.RecordKind  `json:"kind"`
			Payload model.LlmCallDump `json:"payload"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, model.RecordLlmCall, body.Kind)
		assert.Equal(t, 2, body.Payload.Turn)
	})
	c := newTestClient(t, mux)

	err := c.Record(context.Background(), "r1", model.RecordLlmCall, model.LlmCallDump{RunID: "r1", Turn: 2})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs/r1/events", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad event", http.StatusBadRequest)
	})
	c := newTestClient(t, mux)

	err := c.Emit(context.Background(), "r1", model.LogEvent{Text: "x"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, "bad event", se.Body)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPolling(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /runs/r1/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "4", r.URL.Query().Get("after"))
		_, _ = w.Write([]byte(`{"messages": [{"id": 5, "run_id": "r1", "text": "also add tests"}, {"id": 6, "run_id": "r1", "text": "and docs"}]}`))
	})
	mux.HandleFunc("GET /runs/r1/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "cancelled"}`))
	})
	mux.HandleFunc("GET /runs/r1/snapshot", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"run_id": "r1", "turn": 12, "messages": [{"role": "user"}], "follow_up_count": 1, "last_user_message_id": 6}`))
	})
	mux.HandleFunc("GET /runs/r2/snapshot", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	msgs, err := c.PendingUserMessages(ctx, "r1", 4)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(6), msgs[1].ID)

	status, err := c.RunStatus(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, status)

	snap, err := c.LatestSnapshot(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 12, snap.Turn)
	assert.Equal(t, int64(6), snap.LastUserMessageID)
	assert.JSONEq(t, `[{"role": "user"}]`, string(snap.Messages))

	_, err = c.LatestSnapshot(ctx, "r2")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSaveSnapshot(t *testing.T) {
	var got model.SessionSnapshot
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /runs/r1/snapshot", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, mux)

	err := c.SaveSnapshot(context.Background(), &model.SessionSnapshot{RunID: "r1", Turn: 10, Messages: json.RawMessage(`[]`)})
	require.NoError(t, err)
	assert.Equal(t, 10, got.Turn)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&StatusError{StatusCode: 502}))
	assert.True(t, Retryable(&StatusError{StatusCode: 429}))
	assert.False(t, Retryable(&StatusError{StatusCode: 404}))
	assert.False(t, Retryable(assert.AnError))
}
