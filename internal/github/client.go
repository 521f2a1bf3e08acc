// Package github provides GitHub API integration for pull requests.
package github

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	gogh "github.com/google/go-github/v68/github"
)

// Client wraps the GitHub API for run finalization.
type Client struct {
	gh *gogh.Client
}

// NewClient creates a GitHub client authenticated with the given token.
// baseURL is optional and points at GitHub Enterprise or a test server.
func NewClient(token, baseURL string) (*Client, error) {
	gh := gogh.NewClient(nil).WithAuthToken(token)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing GitHub base URL: %w", err)
		}
		gh.BaseURL = u
	}
	return &Client{gh: gh}, nil
}

// PROptions configures a new pull request.
type PROptions struct {
	Repo   string // "owner/repo"
	Branch string // source branch
	Base   string // target branch (default: "main")
	Title  string
	Body   string
	Draft  bool
}

// CreatePR opens a pull request and returns the PR URL and number. When
// an open PR already exists for the branch it is returned instead.
func (c *Client) CreatePR(ctx context.Context, opts PROptions) (string, int, error) {
	owner, repo, err := splitRepo(opts.Repo)
	if err != nil {
		return "", 0, err
	}

	base := opts.Base
	if base == "" {
		base = "main"
	}

	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &gogh.NewPullRequest{
		Title: gogh.Ptr(opts.Title),
		Body:  gogh.Ptr(opts.Body),
		Head:  gogh.Ptr(opts.Branch),
		Base:  gogh.Ptr(base),
		Draft: gogh.Ptr(opts.Draft),
	})
	if err != nil {
		if prURL, number, ok := c.findOpenPR(ctx, owner, repo, opts.Branch); ok {
			return prURL, number, nil
		}
		return "", 0, fmt.Errorf("creating pull request: %w", err)
	}

	return pr.GetHTMLURL(), pr.GetNumber(), nil
}

// GetDefaultBranch returns the default branch for a repository.
func (c *Client) GetDefaultBranch(ctx context.Context, repoFullName string) (string, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return "", err
	}

	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("getting repository: %w", err)
	}

	return r.GetDefaultBranch(), nil
}

// CommentOnPR posts a comment on a pull request.
func (c *Client) CommentOnPR(ctx context.Context, repoFullName string, number int, body string) error {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return err
	}
	if _, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &gogh.IssueComment{Body: gogh.Ptr(body)}); err != nil {
		return fmt.Errorf("commenting on pull request: %w", err)
	}
	return nil
}

func (c *Client) findOpenPR(ctx context.Context, owner, repo, branch string) (string, int, bool) {
	prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &gogh.PullRequestListOptions{
		State: "open",
		Head:  owner + ":" + branch,
	})
	if err != nil || len(prs) == 0 {
		return "", 0, false
	}
	return prs[0].GetHTMLURL(), prs[0].GetNumber(), true
}

func splitRepo(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected \"owner/repo\"", fullName)
	}
	return parts[0], parts[1], nil
}
