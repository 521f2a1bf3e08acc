package github

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePR(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/web/pulls", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "lime/r1", body["head"])
		assert.Equal(t, "develop", body["base"])
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 12, "html_url": "https://github.com/acme/web/pull/12"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient("tok", srv.URL)
	require.NoError(t, err)
	url, number, err := c.CreatePR(context.Background(), PROptions{
		Repo: "acme/web", Branch: "lime/r1", Base: "develop", Title: "t", Body: "b",
	})
	require.NoError(t, err)
	assert.Equal(t, 12, number)
	assert.Equal(t, "https://github.com/acme/web/pull/12", url)
}

func TestCreatePRReturnsExistingOpenPR(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/web/pulls", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message": "A pull request already exists"}`))
	})
	mux.HandleFunc("GET /repos/acme/web/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme:lime/r1", r.URL.Query().Get("head"))
		_, _ = w.Write([]byte(`[{"number": 3, "html_url": "https://github.com/acme/web/pull/3"}]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient("tok", srv.URL)
	require.NoError(t, err)
	_, number, err := c.CreatePR(context.Background(), PROptions{Repo: "acme/web", Branch: "lime/r1"})
	require.NoError(t, err)
	assert.Equal(t, 3, number)
}

func TestGetDefaultBranch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/web", r.URL.Path)
		_, _ = w.Write([]byte(`{"default_branch": "trunk"}`))
	}))
	defer srv.Close()

	c, err := NewClient("tok", srv.URL)
	require.NoError(t, err)
	branch, err := c.GetDefaultBranch(context.Background(), "acme/web")
	require.NoError(t, err)
	assert.Equal(t, "trunk", branch)

	_, err = c.GetDefaultBranch(context.Background(), "not-a-repo")
	assert.Error(t, err)
}

func TestCommentOnPR(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/web/issues/12/comments", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "**Follow-up:** rename it", body["body"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 1}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient("tok", srv.URL)
	require.NoError(t, err)
	require.NoError(t, c.CommentOnPR(context.Background(), "acme/web", 12, "**Follow-up:** rename it"))
}

func webhookRequest(t *testing.T, event, body, secret string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-GitHub-Event", event)
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(body))
		r.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	return r
}

func TestParseWebhookIssueComment(t *testing.T) {
	body := `{"action": "created",
		"issue": {"number": 5, "pull_request": {"url": "x"}},
		"comment": {"body": "please add tests", "user": {"login": "alice"}},
		"repository": {"full_name": "acme/web"}}`
	ev, err := ParseWebhook(webhookRequest(t, "issue_comment", body, "s3cret"), "s3cret")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, ActionFollowUp, ev.Action)
	assert.Equal(t, "acme/web", ev.Repo)
	assert.Equal(t, 5, ev.PRNumber)
	assert.Equal(t, "please add tests", ev.Body)
	assert.Equal(t, "alice", ev.User)
}

func TestParseWebhookBadSignature(t *testing.T) {
	body := `{"action": "created"}`
	r := webhookRequest(t, "issue_comment", body, "wrong")
	_, err := ParseWebhook(r, "s3cret")
	assert.Error(t, err)
}

func TestParseWebhookIgnoresPlainIssues(t *testing.T) {
	body := `{"action": "created", "issue": {"number": 5}, "comment": {"body": "hi"}}`
	ev, err := ParseWebhook(webhookRequest(t, "issue_comment", body, ""), "")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestParseWebhookReviews(t *testing.T) {
	review := func(state, body string) string {
		return `{"action": "submitted",
			"review": {"state": "` + state + `", "body": "` + body + `", "user": {"login": "bob"}},
			"pull_request": {"number": 9},
			"repository": {"full_name": "acme/web"}}`
	}

	ev, err := ParseWebhook(webhookRequest(t, "pull_request_review", review("approved", ""), ""), "")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, ActionApprove, ev.Action)
	assert.Equal(t, 9, ev.PRNumber)

	ev, err = ParseWebhook(webhookRequest(t, "pull_request_review", review("changes_requested", "rename it"), ""), "")
	require.NoError(t, err)
	assert.Equal(t, ActionFollowUp, ev.Action)

	ev, err = ParseWebhook(webhookRequest(t, "pull_request_review", review("commented", " "), ""), "")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestParseWebhookReviewComment(t *testing.T) {
	body := `{"action": "created",
		"comment": {"body": "off by one", "path": "main.go", "line": 14, "user": {"login": "carol"}},
		"pull_request": {"number": 2},
		"repository": {"full_name": "acme/api"}}`
	ev, err := ParseWebhook(webhookRequest(t, "pull_request_review_comment", body, ""), "")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "main.go (line 14): off by one", ev.Body)
}

func TestParseWebhookUnknownEvent(t *testing.T) {
	ev, err := ParseWebhook(webhookRequest(t, "deployment_protection_rule_x", `{}`, ""), "")
	require.NoError(t, err)
	assert.Nil(t, ev)
}
