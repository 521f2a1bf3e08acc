package github

import (
	"fmt"
	"net/http"
	"strings"

	gogh "github.com/google/go-github/v68/github"
)

// WebhookAction is what a pull request webhook asks the run to do.
type WebhookAction string

const (
	// ActionFollowUp forwards review feedback to the run as a follow-up.
	ActionFollowUp WebhookAction = "follow_up"
	// ActionApprove approves the run's pending approval gate.
	ActionApprove WebhookAction = "approve"
)

// WebhookEvent is a parsed pull request webhook relevant to a run.
type WebhookEvent struct {
	Action   WebhookAction
	Repo     string // "owner/repo"
	PRNumber int
	Body     string
	User     string
}

// ParseWebhook validates and parses a GitHub webhook request. It handles
// PR comments, inline review comments and submitted reviews; it returns
// nil for everything else. If secret is non-empty the signature is
// verified.
func ParseWebhook(r *http.Request, secret string) (*WebhookEvent, error) {
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	payload, err := gogh.ValidatePayload(r, key)
	if err != nil {
		return nil, fmt.Errorf("validating webhook: %w", err)
	}
	event, err := gogh.ParseWebHook(gogh.WebHookType(r), payload)
	if err != nil {
		if strings.Contains(err.Error(), "unknown X-Github-Event") {
			return nil, nil
		}
		return nil, fmt.Errorf("parsing webhook: %w", err)
	}

	switch e := event.(type) {
	case *gogh.IssueCommentEvent:
		// Plain issues are not runs.
		if !e.GetIssue().IsPullRequest() || e.GetAction() != "created" {
			return nil, nil
		}
		return &WebhookEvent{
			Action:   ActionFollowUp,
			Repo:     e.GetRepo().GetFullName(),
			PRNumber: e.GetIssue().GetNumber(),
			Body:     e.GetComment().GetBody(),
			User:     e.GetComment().GetUser().GetLogin(),
		}, nil

	case *gogh.PullRequestReviewCommentEvent:
		if e.GetAction() != "created" {
			return nil, nil
		}
		body := e.GetComment().GetBody()
		if path := e.GetComment().GetPath(); path != "" {
			body = fmt.Sprintf("%s (line %d): %s", path, e.GetComment().GetLine(), body)
		}
		return &WebhookEvent{
			Action:   ActionFollowUp,
			Repo:     e.GetRepo().GetFullName(),
			PRNumber: e.GetPullRequest().GetNumber(),
			Body:     body,
			User:     e.GetComment().GetUser().GetLogin(),
		}, nil

	case *gogh.PullRequestReviewEvent:
		if e.GetAction() != "submitted" {
			return nil, nil
		}
		ev := &WebhookEvent{
			Repo:     e.GetRepo().GetFullName(),
			PRNumber: e.GetPullRequest().GetNumber(),
			Body:     e.GetReview().GetBody(),
			User:     e.GetReview().GetUser().GetLogin(),
		}
		switch strings.ToLower(e.GetReview().GetState()) {
		case "approved":
			ev.Action = ActionApprove
		case "changes_requested":
			ev.Action = ActionFollowUp
		case "commented":
			// Inline-only reviews arrive as review comments.
			if strings.TrimSpace(ev.Body) == "" {
				return nil, nil
			}
			ev.Action = ActionFollowUp
		default:
			return nil, nil
		}
		return ev, nil
	}
	return nil, nil
}
