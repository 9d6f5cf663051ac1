package jwtinfra

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "auth-gateway"

// Claims holds the JWT payload fields. The token is only a carrier for the
// session id; the session record stays authoritative for expiry and revocation.
type Claims struct {
	TenantID  string `json:"tenant_id"`
	SubjectID string `json:"subject_id"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// Provider signs and verifies RS256 JWTs.
type Provider struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	now        func() time.Time
}

// NewProvider loads the PEM key pair from disk.
func NewProvider(privateKeyPath, publicKeyPath string) (*Provider, error) {
	privBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	privKey, err := jwt.ParseRSAPrivateKeyFromPEM(privBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	pubBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pubKey, err := jwt.ParseRSAPublicKeyFromPEM(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	return NewProviderFromKeys(privKey, pubKey), nil
}

func NewProviderFromKeys(priv *rsa.PrivateKey, pub *rsa.PublicKey) *Provider {
	return &Provider{privateKey: priv, publicKey: pub, now: time.Now}
}

// Sign issues a token that expires together with the session.
func (p *Provider) Sign(tenantID, subjectID, sessionID string, expiresAt time.Time) (string, error) {
	now := p.now()
	claims := Claims{
		TenantID:  tenantID,
		SubjectID: subjectID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subjectID,
			ID:        sessionID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(p.privateKey)
}

// Verify checks the signature and the registered claims. Expiry is not
// enforced here because sliding sessions outlive the token they were issued
// with; the session lookup decides.
func (p *Provider) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return p.publicKey, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Issuer != issuer || claims.SessionID == "" || claims.TenantID == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
