package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwtinfra "github.com/go-auth-gateway/internal/infrastructure/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) *jwtinfra.Provider {
	t.Helper()
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return jwtinfra.NewProviderFromKeys(privKey, &privKey.PublicKey)
}

func okHandler(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

// sessionEcho writes the resolved session id as the body.
func sessionEcho(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(SessionIDFromContext(r.Context())))
}

func serveSession(v TokenVerifier, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	Tenant(SessionID(v)(http.HandlerFunc(sessionEcho))).ServeHTTP(rr, req)
	return rr
}

func TestSessionID_MissingBearer(t *testing.T) {
	p := newTestProvider(t)
	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req.Header.Set(HeaderTenantID, "acme")
	rr := serveSession(p, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "session", decodeEnvelope(t, rr).Operation)
}

func TestSessionID_BadToken(t *testing.T) {
	p := newTestProvider(t)
	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req.Header.Set(HeaderTenantID, "acme")
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	assert.Equal(t, http.StatusUnauthorized, serveSession(p, req).Code)
}

func TestSessionID_ValidToken(t *testing.T) {
	p := newTestProvider(t)
	tok, err := p.Sign("acme", "sub1", "sess1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req.Header.Set(HeaderTenantID, "acme")
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := serveSession(p, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "sess1", rr.Body.String())
}

func TestSessionID_ExpiredTokenStillResolves(t *testing.T) {
	// The session record decides expiry; an old token still names the session.
	p := newTestProvider(t)
	tok, err := p.Sign("acme", "sub1", "sess1", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req.Header.Set(HeaderTenantID, "acme")
	req.Header.Set("Authorization", "Bearer "+tok)
	assert.Equal(t, "sess1", serveSession(p, req).Body.String())
}

func TestSessionID_TenantMismatch(t *testing.T) {
	p := newTestProvider(t)
	tok, err := p.Sign("other", "sub1", "sess1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req.Header.Set(HeaderTenantID, "acme")
	req.Header.Set("Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusUnauthorized, serveSession(p, req).Code)
}

func TestSessionID_HeaderWithoutVerifier(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/auth/signout", nil)
	req.Header.Set(HeaderTenantID, "acme")
	req.Header.Set(HeaderSessionID, "sess9")
	rr := serveSession(nil, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "sess9", rr.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/auth/signout", nil)
	req.Header.Set(HeaderTenantID, "acme")
	assert.Equal(t, http.StatusUnauthorized, serveSession(nil, req).Code)
}

func TestClaimsFromContext(t *testing.T) {
	p := newTestProvider(t)
	tok, err := p.Sign("acme", "sub1", "sess1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	var got *jwtinfra.Claims
	h := Tenant(SessionID(p)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ClaimsFromContext(r.Context())
	})))
	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req.Header.Set(HeaderTenantID, "acme")
	req.Header.Set("Authorization", "Bearer "+tok)
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.NotNil(t, got)
	assert.Equal(t, "sub1", got.SubjectID)
}
