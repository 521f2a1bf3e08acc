package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateShortString(t *testing.T) {
	got := Truncate("hello", 10)
	if got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}
}

func TestTruncateLongString(t *testing.T) {
	got := Truncate("hello world", 8)
	if got != "hello..." {
		t.Fatalf("expected 'hello...', got %q", got)
	}
}

func TestTruncateVerySmallMaxLen(t *testing.T) {
	got := Truncate("hello", 2)
	if got != "he" {
		t.Fatalf("expected 'he', got %q", got)
	}
}

func TestTruncateUnicode(t *testing.T) {
	got := Truncate("こんにちは世界", 6)
	if got != "こんに..." {
		t.Fatalf("expected 'こんに...', got %q", got)
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []RunStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.IsTerminal(), s)
		for _, to := range []RunStatus{StatusQueued, StatusRunning, StatusAwaitingFollowUp, StatusCompleted} {
			assert.False(t, CanTransition(s, to), "%s -> %s", s, to)
		}
	}
	assert.False(t, StatusAwaitingApproval.IsTerminal())
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to RunStatus
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusAwaitingApproval, false},
		{StatusRunning, StatusAwaitingApproval, true},
		{StatusRunning, StatusAwaitingFollowUp, true},
		{StatusAwaitingFollowUp, StatusRunning, true},
		{StatusAwaitingApproval, StatusPlanApproved, true},
		{StatusAwaitingApproval, StatusCompleted, false},
		{StatusPlanApproved, StatusRunning, true},
		{StatusPlanApproved, StatusCompleted, false},
		{StatusAwaitingFollowUp, StatusCancelled, true},
		{StatusRunning, StatusRunning, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func validJob() *Job {
	return &Job{
		Provider: ProviderAnthropic,
		Mode:     ModeImplement,
		Prompt:   "add a health endpoint",
		Repo:     &RepoTarget{Owner: "acme", Name: "api"},
	}
}

func TestJobValidate(t *testing.T) {
	require.NoError(t, validJob().Validate())

	j := validJob()
	j.Provider = "mistral"
	assert.ErrorIs(t, j.Validate(), ErrValidation)

	j = validJob()
	j.Mode = "deploy"
	assert.ErrorIs(t, j.Validate(), ErrValidation)

	j = validJob()
	j.Prompt = "  "
	assert.ErrorIs(t, j.Validate(), ErrValidation)

	j = validJob()
	j.Repo = nil
	assert.ErrorIs(t, j.Validate(), ErrValidation)

	j.Candidates = []RepoCandidate{{RepoTarget: RepoTarget{Owner: "acme", Name: "web"}}}
	assert.NoError(t, j.Validate())

	j = validJob()
	j.Repo.Primary = true
	j.ExtraRepos = []RepoTarget{{Owner: "acme", Name: "lib", Primary: true}}
	assert.ErrorIs(t, j.Validate(), ErrValidation)
}

func TestJobContinuationNeedsNoPrompt(t *testing.T) {
	j := validJob()
	j.Prompt = ""
	j.Continuation = true
	assert.NoError(t, j.Validate())
}

func TestNewRunCopiesRepo(t *testing.T) {
	j := validJob()
	j.TimeBudget = Duration(45 * time.Minute)
	run := j.NewRun("r1", time.Now())
	require.NotNil(t, run.Repo)
	assert.Equal(t, StatusQueued, run.Status)
	assert.Equal(t, 45*time.Minute, run.TimeBudget)

	j.Repo.Name = "changed"
	assert.Equal(t, "api", run.Repo.Name)
	assert.Equal(t, "acme/api", run.Repo.FullName())
}

func TestDurationJSON(t *testing.T) {
	var j struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"45m","b":90}`), &j))
	assert.Equal(t, Duration(45*time.Minute), j.A)
	assert.Equal(t, Duration(90*time.Second), j.B)

	data, err := json.Marshal(j)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"45m0s","b":"1m30s"}`, string(data))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	events := []AgentEvent{
		MessageEvent{Role: "assistant", Text: "done"},
		LogEvent{Text: "tool bash started"},
		DiffEvent{Diff: "--- a\n+++ b\n", Path: "main.go"},
		ArtifactEvent{Name: "report", URL: "https://x/y", MimeType: "text/html"},
		ErrorEvent{Message: "boom"},
		StatusEvent{Status: StatusAwaitingApproval},
		PreviewEvent{URL: "https://preview", Status: "ready"},
		SandboxEvent{SandboxID: "sb-1"},
		TasksEvent{Tasks: []Task{{TicketID: "T1", Title: "a", Status: TaskPending}}},
		UserMessageEvent{Text: "also add tests"},
	}
	require.Len(t, events, len(AllEventKinds))

	for _, ev := range events {
		env, err := Encode("run-1", ev)
		require.NoError(t, err)
		assert.Equal(t, ev.Kind(), env.Kind)

		got, err := Decode(env)
		require.NoError(t, err)
		assert.Equal(t, ev, got)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode(&Envelope{Kind: "telemetry", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrValidation))
}

func TestUsageAdd(t *testing.T) {
	var u Usage
	u.Add(Usage{InputTokens: 10, OutputTokens: 5, CacheReadTokens: 2})
	u.Add(Usage{InputTokens: 1, OutputTokens: 1, CacheWriteTokens: 3})
	assert.Equal(t, Usage{InputTokens: 11, OutputTokens: 6, CacheReadTokens: 2, CacheWriteTokens: 3}, u)
	assert.Equal(t, int64(17), u.Total())
}
