// Package ghapp issues short-lived GitHub App installation tokens.
package ghapp

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gogh "github.com/google/go-github/v68/github"
)

// RefreshThreshold is how close to expiry a token may get before callers
// should ask for a new one.
const RefreshThreshold = 10 * time.Minute

// Token is an installation access token.
type Token struct {
	Value     string
	ExpiresAt time.Time // zero for tokens that never expire
}

// ExpiresWithin reports whether the token expires in less than d.
func (t Token) ExpiresWithin(d time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(t.ExpiresAt) < d
}

// Source issues repository credentials for an account (user or org).
type Source interface {
	Token(ctx context.Context, account string) (Token, error)
}

// Static is a Source returning a fixed personal access token.
type Static string

// Token implements Source.
func (s Static) Token(context.Context, string) (Token, error) {
	if s == "" {
		return Token{}, errors.New("no GitHub token configured")
	}
	return Token{Value: string(s)}, nil
}

// Issuer signs app JWTs and exchanges them for installation tokens.
type Issuer struct {
	appID      int64
	key        *rsa.PrivateKey
	baseURL    *url.URL
	httpClient *http.Client

	mu       sync.Mutex
	installs map[string]int64
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithBaseURL points the issuer at a GitHub Enterprise or test API.
func WithBaseURL(u string) Option {
	return func(i *Issuer) {
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		if parsed, err := url.Parse(u); err == nil {
			i.baseURL = parsed
		}
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Issuer) { i.httpClient = c }
}

// NewIssuer parses a PEM encoded RSA private key.
func NewIssuer(appID int64, privateKeyPEM []byte, opts ...Option) (*Issuer, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing GitHub App private key: %w", err)
	}
	i := &Issuer{appID: appID, key: key, installs: map[string]int64{}}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// AppJWT signs a JWT authenticating as the app. It is backdated 60s to
// tolerate clock drift and expires after 9 minutes.
func (i *Issuer) AppJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    strconv.FormatInt(i.appID, 10),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("signing app JWT: %w", err)
	}
	return signed, nil
}

// Token returns a fresh installation token for account.
func (i *Issuer) Token(ctx context.Context, account string) (Token, error) {
	id, err := i.InstallationID(ctx, account)
	if err != nil {
		return Token{}, err
	}
	gh, err := i.appClient()
	if err != nil {
		return Token{}, err
	}
	tok, _, err := gh.Apps.CreateInstallationToken(ctx, id, nil)
	if err != nil {
		return Token{}, fmt.Errorf("creating installation token: %w", err)
	}
	return Token{Value: tok.GetToken(), ExpiresAt: tok.GetExpiresAt().Time}, nil
}

// InstallationID finds the app installation for account. Lookups are
// cached per account.
func (i *Issuer) InstallationID(ctx context.Context, account string) (int64, error) {
	key := strings.ToLower(account)
	i.mu.Lock()
	id, ok := i.installs[key]
	i.mu.Unlock()
	if ok {
		return id, nil
	}

	gh, err := i.appClient()
	if err != nil {
		return 0, err
	}
	id, err = i.lookup(ctx, gh, account)
	if err != nil {
		return 0, err
	}

	i.mu.Lock()
	i.installs[key] = id
	i.mu.Unlock()
	return id, nil
}

func (i *Issuer) lookup(ctx context.Context, gh *gogh.Client, account string) (int64, error) {
	if inst, _, err := gh.Apps.FindOrganizationInstallation(ctx, account); err == nil {
		return inst.GetID(), nil
	}
	if inst, _, err := gh.Apps.FindUserInstallation(ctx, account); err == nil {
		return inst.GetID(), nil
	}

	opts := &gogh.ListOptions{PerPage: 100}
	for {
		installs, resp, err := gh.Apps.ListInstallations(ctx, opts)
		if err != nil {
			return 0, fmt.Errorf("listing installations: %w", err)
		}
		for _, inst := range installs {
			if strings.EqualFold(inst.GetAccount().GetLogin(), account) {
				return inst.GetID(), nil
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return 0, fmt.Errorf("no GitHub App installation found for %q", account)
}

func (i *Issuer) appClient() (*gogh.Client, error) {
	signed, err := i.AppJWT()
	if err != nil {
		return nil, err
	}
	gh := gogh.NewClient(i.httpClient).WithAuthToken(signed)
	if i.baseURL != nil {
		gh.BaseURL = i.baseURL
	}
	return gh, nil
}
