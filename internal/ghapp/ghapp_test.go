package ghapp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func TestAppJWTClaims(t *testing.T) {
	key, pemBytes := testKey(t)
	iss, err := NewIssuer(42, pemBytes)
	require.NoError(t, err)

	signed, err := iss.AppJWT()
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) { return &key.PublicKey, nil })
	require.NoError(t, err)
	assert.Equal(t, "42", claims.Issuer)
	assert.WithinDuration(t, time.Now().Add(-60*time.Second), claims.IssuedAt.Time, 5*time.Second)
	assert.WithinDuration(t, time.Now().Add(9*time.Minute), claims.ExpiresAt.Time, 5*time.Second)
}

func TestNewIssuerRejectsBadKey(t *testing.T) {
	_, err := NewIssuer(1, []byte("not a key"))
	assert.Error(t, err)
}

func TestTokenFallsBackToInstallationList(t *testing.T) {
	key, pemBytes := testKey(t)
	var lookups int32
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("/orgs/octo/installation", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&lookups, 1)
		http.NotFound(w, r)
	})
	mux.HandleFunc("/users/octo/installation", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/app/installations", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id": 1, "account": {"login": "other"}}, {"id": 7, "account": {"login": "Octo"}}]`))
	})
	mux.HandleFunc("/app/installations/7/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		_, err := jwt.Parse(bearer, func(*jwt.Token) (any, error) { return &key.PublicKey, nil })
		assert.NoError(t, err)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token": "ghs_abc", "expires_at": "` + expires.Format(time.RFC3339) + `"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	iss, err := NewIssuer(42, pemBytes, WithBaseURL(srv.URL))
	require.NoError(t, err)

	tok, err := iss.Token(context.Background(), "octo")
	require.NoError(t, err)
	assert.Equal(t, "ghs_abc", tok.Value)
	assert.True(t, tok.ExpiresAt.Equal(expires))
	assert.False(t, tok.ExpiresWithin(RefreshThreshold))
	assert.True(t, tok.ExpiresWithin(2*time.Hour))

	_, err = iss.Token(context.Background(), "OCTO")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&lookups), "installation id should be cached")
}

func TestTokenNoInstallation(t *testing.T) {
	_, pemBytes := testKey(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/app/installations", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	iss, err := NewIssuer(42, pemBytes, WithBaseURL(srv.URL))
	require.NoError(t, err)
	_, err = iss.Token(context.Background(), "ghost")
	assert.ErrorContains(t, err, `no GitHub App installation found for "ghost"`)
}

func TestStaticSource(t *testing.T) {
	tok, err := Static("pat").Token(context.Background(), "anyone")
	require.NoError(t, err)
	assert.Equal(t, "pat", tok.Value)
	assert.False(t, tok.ExpiresWithin(time.Hour))

	_, err = Static("").Token(context.Background(), "anyone")
	assert.Error(t, err)
}
