package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aikaara/assembly-lime/sandbox"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "key")
}

func TestCreateAndExec(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "r1", req.Labels["lime.run"])
		assert.Equal(t, 30, req.AutoStopInterval)
		_, _ = w.Write([]byte(`{"id": "sb-1", "state": "started"}`))
	})
	mux.HandleFunc("POST /sandboxes/sb-1/exec", func(w http.ResponseWriter, r *http.Request) {
		var req execRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ls", req.Command)
		assert.Equal(t, 60, req.Timeout)
		_, _ = w.Write([]byte(`{"stdout": "a\nb\n", "exit_code": 0}`))
	})
	c := newTestClient(t, mux)

	info, err := c.Create(context.Background(), sandbox.CreateOptions{
		Labels:           map[string]string{"lime.run": "r1"},
		AutoStopInterval: 30 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "sb-1", info.ID)
	assert.Equal(t, sandbox.StateStarted, info.State)

	resp, err := c.Exec(context.Background(), "sb-1", sandbox.ExecRequest{Command: "ls", Timeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", resp.Stdout)
}

func TestLifecycleCalls(t *testing.T) {
	var hits []string
	mux := http.NewServeMux()
	for _, pattern := range []string{"POST /sandboxes/sb-1/start", "POST /sandboxes/sb-1/stop", "DELETE /sandboxes/sb-1"} {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			hits = append(hits, r.Method+" "+r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		})
	}
	c := newTestClient(t, mux)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, "sb-1"))
	require.NoError(t, c.Stop(ctx, "sb-1"))
	require.NoError(t, c.Delete(ctx, "sb-1"))
	assert.Equal(t, []string{"POST /sandboxes/sb-1/start", "POST /sandboxes/sb-1/stop", "DELETE /sandboxes/sb-1"}, hits)
}

func TestFiles(t *testing.T) {
	files := map[string]string{}
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /sandboxes/sb-1/files", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		files[r.URL.Query().Get("path")] = string(b)
	})
	mux.HandleFunc("GET /sandboxes/sb-1/files", func(w http.ResponseWriter, r *http.Request) {
		content, ok := files[r.URL.Query().Get("path")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(content))
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, c.Upload(ctx, "sb-1", "/repo/a b.txt", []byte("hi")))
	got, err := c.Download(ctx, "sb-1", "/repo/a b.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))

	_, err = c.Download(ctx, "sb-1", "/repo/missing")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestPreviewURLAndSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sandboxes/sb-1/preview-url", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3000", r.URL.Query().Get("port"))
		assert.Equal(t, "3600", r.URL.Query().Get("ttl"))
		_, _ = w.Write([]byte(`{"url": "https://3000-sb-1.preview.example.com?token=x"}`))
	})
	mux.HandleFunc("POST /sandboxes/sb-1/sessions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "dev", body["session_id"])
		assert.Equal(t, true, body["async"])
	})
	c := newTestClient(t, mux)

	url, err := c.PreviewURL(context.Background(), "sb-1", 3000, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "https://3000-sb-1.preview.example.com?token=x", url)
	require.NoError(t, c.ExecSession(context.Background(), "sb-1", "dev", "npm run dev"))
}

func TestErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sandboxes/gone", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("POST /sandboxes/sb-1/exec", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	c := newTestClient(t, mux)

	_, err := c.Get(context.Background(), "gone")
	assert.ErrorIs(t, err, sandbox.ErrNotFound)

	_, err = c.Exec(context.Background(), "sb-1", sandbox.ExecRequest{Command: "true"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "boom", apiErr.Message)

	bad := New("http://example.invalid", "wrong")
	bad.http = &http.Client{Timeout: time.Millisecond}
	_, err = bad.Get(context.Background(), "x")
	assert.Error(t, err)
}
