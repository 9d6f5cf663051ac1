package jwtinfra

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return NewProviderFromKeys(key, &key.PublicKey)
}

func TestProvider_SignVerify(t *testing.T) {
	p := newTestProvider(t)
	tok, err := p.Sign("acme", "S1", "X1", time.Now().Add(5*time.Minute))
	require.NoError(t, err)

	claims, err := p.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, "S1", claims.SubjectID)
	assert.Equal(t, "X1", claims.SessionID)
}

func TestProvider_ExpiredTokenStillIdentifiesSession(t *testing.T) {
	p := newTestProvider(t)
	tok, err := p.Sign("acme", "S1", "X1", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	claims, err := p.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "X1", claims.SessionID)
}

func TestProvider_RejectsForeignKey(t *testing.T) {
	p := newTestProvider(t)
	other := newTestProvider(t)
	tok, err := other.Sign("acme", "S1", "X1", time.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = p.Verify(tok)
	assert.Error(t, err)
}

func TestProvider_RejectsHMAC(t *testing.T) {
	p := newTestProvider(t)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{TenantID: "acme", SessionID: "X1"}).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = p.Verify(tok)
	assert.Error(t, err)
}

func TestProvider_RejectsGarbage(t *testing.T) {
	_, err := newTestProvider(t).Verify("not.a.token")
	assert.Error(t, err)
}
