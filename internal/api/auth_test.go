package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func guardedServer(t *testing.T, token string) *Server {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := DefaultServerConfig()
	cfg.TokenHash = string(hash)
	return NewServer(cfg, zerolog.Nop())
}

func TestTokenGuardsAPIRoutes(t *testing.T) {
	s := guardedServer(t, "s3cret")

	code, _ := do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/pipelines", nil))
	assert.Equal(t, http.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipelines", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	code, _ = do(t, s, req)
	assert.Equal(t, http.StatusUnauthorized, code)

	for _, set := range []func(*http.Request){
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") },
		func(r *http.Request) { r.Header.Set("Authorization", "s3cret") },
		func(r *http.Request) { r.Header.Set("x-api-key", "s3cret") },
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/pipelines", nil)
		set(req)
		code, _ := do(t, s, req)
		assert.Equal(t, http.StatusOK, code)
	}
}

func TestTokenLeavesProbesOpen(t *testing.T) {
	s := guardedServer(t, "s3cret")
	for _, path := range []string{"/health", "/ready", "/metrics"} {
		code, _ := do(t, s, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, code, path)
	}
}

func TestHashToken(t *testing.T) {
	hash, err := HashToken("abc")
	require.NoError(t, err)
	a := newTokenAuth(hash)
	assert.True(t, a.verify("abc"))
	assert.True(t, a.verify("abc"))
	assert.False(t, a.verify("abd"))
	assert.False(t, a.verify(""))
}
