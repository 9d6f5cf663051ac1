package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-auth-gateway/internal/application/gateway"
	"github.com/go-auth-gateway/internal/domain"
	"github.com/go-auth-gateway/internal/transport/http/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- mock ---

type mockGateway struct{ mock.Mock }

func (m *mockGateway) Signup(ctx context.Context, tenantID string, req domain.SignupRequest) (*gateway.SignupResult, error) {
	args := m.Called(ctx, tenantID, req)
	if r, _ := args.Get(0).(*gateway.SignupResult); r != nil {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) ConfirmSignup(ctx context.Context, tenantID string, req domain.ConfirmSignupRequest) (*gateway.ConfirmResult, error) {
	args := m.Called(ctx, tenantID, req)
	if r, _ := args.Get(0).(*gateway.ConfirmResult); r != nil {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) SendCode(ctx context.Context, tenantID string, req domain.SendCodeRequest) error {
	return m.Called(ctx, tenantID, req).Error(0)
}

func (m *mockGateway) ResetPassword(ctx context.Context, tenantID string, req domain.ResetPasswordRequest) error {
	return m.Called(ctx, tenantID, req).Error(0)
}

func (m *mockGateway) Signin(ctx context.Context, tenantID string, req domain.SigninRequest) (*gateway.SigninResult, error) {
	args := m.Called(ctx, tenantID, req)
	if r, _ := args.Get(0).(*gateway.SigninResult); r != nil {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) Signout(ctx context.Context, tenantID, sessionID string) error {
	return m.Called(ctx, tenantID, sessionID).Error(0)
}

func (m *mockGateway) Session(ctx context.Context, tenantID, sessionID string) (*gateway.SessionInfo, error) {
	args := m.Called(ctx, tenantID, sessionID)
	if r, _ := args.Get(0).(*gateway.SessionInfo); r != nil {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

// --- helpers ---

func newTestRouter(svc gateway.Service, expose bool) http.Handler {
	h := NewAuthHandler(svc, expose)
	r := chi.NewRouter()
	r.Use(middleware.Tenant)
	r.Post("/auth/signup", h.Signup)
	r.Post("/auth/confirm-signup", h.ConfirmSignup)
	r.Post("/auth/send-code", h.SendCode)
	r.Post("/auth/reset-password", h.ResetPassword)
	r.Post("/auth/signin", h.Signin)
	r.With(middleware.SessionID(nil)).Get("/auth/signout", h.Signout)
	r.With(middleware.SessionID(nil)).Get("/auth/session", h.Session)
	return r
}

func do(t *testing.T, router http.Handler, method, target, body string, headers map[string]string) (*httptest.ResponseRecorder, middleware.Envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(middleware.HeaderTenantID, "acme")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	var env middleware.Envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	return rr, env
}

// --- tests ---

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrValidation, http.StatusBadRequest},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrExpired, http.StatusGone},
		{domain.ErrRetryable, http.StatusServiceUnavailable},
		{domain.ErrInternal, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("context: %w", tc.err)
		assert.Equal(t, tc.want, StatusFor(wrapped), tc.err.Error())
	}
}

func TestSignup_Success(t *testing.T) {
	svc := new(mockGateway)
	req := domain.SignupRequest{Email: "a@x.com", Password: "Abcdef1!"}
	svc.On("Signup", mock.Anything, "acme", req).
		Return(&gateway.SignupResult{SubjectID: "sub1", Status: domain.StatusUnconfirmed}, nil)

	rr, env := do(t, newTestRouter(svc, false), http.MethodPost, "/auth/signup", `{"email":"a@x.com","password":"Abcdef1!"}`, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, http.StatusOK, env.StatusCode)
	assert.Equal(t, "Auth", env.Service)
	assert.Equal(t, "signup", env.Operation)
	details, ok := env.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sub1", details["subjectId"])
	assert.Equal(t, "UNCONFIRMED", details["status"])
	svc.AssertExpectations(t)
}

func TestSignup_Conflict(t *testing.T) {
	svc := new(mockGateway)
	svc.On("Signup", mock.Anything, "acme", mock.Anything).
		Return(nil, fmt.Errorf("email already registered: %w", domain.ErrConflict))

	rr, env := do(t, newTestRouter(svc, false), http.MethodPost, "/auth/signup", `{"email":"a@x.com","password":"Abcdef1!"}`, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, http.StatusConflict, env.StatusCode)
	assert.Contains(t, env.Message, "email already registered")
}

func TestSignup_MalformedBody(t *testing.T) {
	svc := new(mockGateway)
	rr, env := do(t, newTestRouter(svc, false), http.MethodPost, "/auth/signup", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "signup", env.Operation)
	svc.AssertNotCalled(t, "Signup", mock.Anything, mock.Anything, mock.Anything)

	rr, _ = do(t, newTestRouter(svc, false), http.MethodPost, "/auth/signup", ``, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestConfirmSignup_Expired(t *testing.T) {
	svc := new(mockGateway)
	svc.On("ConfirmSignup", mock.Anything, "acme", domain.ConfirmSignupRequest{Email: "a@x.com", Code: "123456"}).
		Return(nil, fmt.Errorf("code expired: %w", domain.ErrExpired))

	rr, env := do(t, newTestRouter(svc, false), http.MethodPost, "/auth/confirm-signup", `{"email":"a@x.com","code":"123456"}`, nil)
	assert.Equal(t, http.StatusGone, rr.Code)
	assert.Equal(t, "confirmSignup", env.Operation)
}

func TestSendCode_Success(t *testing.T) {
	svc := new(mockGateway)
	svc.On("SendCode", mock.Anything, "acme", domain.SendCodeRequest{Email: "a@x.com", Purpose: domain.PurposePasswordReset}).Return(nil)

	rr, env := do(t, newTestRouter(svc, false), http.MethodPost, "/auth/send-code", `{"email":"a@x.com","purpose":"PASSWORD_RESET"}`, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "sendCode", env.Operation)
	assert.Nil(t, env.Details)
}

func TestResetPassword_Forbidden(t *testing.T) {
	svc := new(mockGateway)
	svc.On("ResetPassword", mock.Anything, "acme", mock.Anything).Return(fmt.Errorf("user not confirmed: %w", domain.ErrForbidden))

	rr, _ := do(t, newTestRouter(svc, false), http.MethodPost, "/auth/reset-password", `{"email":"a@x.com","code":"123456","new_password":"Abcdef1!"}`, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestSignin_Success(t *testing.T) {
	svc := new(mockGateway)
	exp := time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC)
	svc.On("Signin", mock.Anything, "acme", domain.SigninRequest{Email: "a@x.com", Password: "Abcdef1!"}).
		Return(&gateway.SigninResult{SessionID: "sess1", ExpiresAt: exp, AccessToken: "tok"}, nil)

	rr, env := do(t, newTestRouter(svc, false), http.MethodPost, "/auth/signin", `{"email":"a@x.com","password":"Abcdef1!"}`, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	details := env.Details.(map[string]any)
	assert.Equal(t, "sess1", details["sessionId"])
	assert.Equal(t, "tok", details["accessToken"])
	assert.Equal(t, "2024-01-01T12:05:00Z", details["expiresAt"])
}

func TestSignin_Unauthorized(t *testing.T) {
	svc := new(mockGateway)
	svc.On("Signin", mock.Anything, "acme", mock.Anything).Return(nil, fmt.Errorf("invalid email or password: %w", domain.ErrUnauthorized))

	rr, env := do(t, newTestRouter(svc, false), http.MethodPost, "/auth/signin", `{"email":"a@x.com","password":"nope"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "signin", env.Operation)
}

func TestSignout_UsesSessionHeader(t *testing.T) {
	svc := new(mockGateway)
	svc.On("Signout", mock.Anything, "acme", "sess1").Return(nil)

	rr, env := do(t, newTestRouter(svc, false), http.MethodGet, "/auth/signout", "", map[string]string{middleware.HeaderSessionID: "sess1"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "signout", env.Operation)
	svc.AssertExpectations(t)
}

func TestSession_Active(t *testing.T) {
	svc := new(mockGateway)
	svc.On("Session", mock.Anything, "acme", "sess1").Return(&gateway.SessionInfo{
		SubjectID:  "sub1",
		Attributes: map[string]string{"tier": "gold"},
	}, nil)

	rr, env := do(t, newTestRouter(svc, false), http.MethodGet, "/auth/session", "", map[string]string{middleware.HeaderSessionID: "sess1"})
	assert.Equal(t, http.StatusOK, rr.Code)
	details := env.Details.(map[string]any)
	assert.Equal(t, "sub1", details["subjectId"])
	assert.Equal(t, map[string]any{"tier": "gold"}, details["attributes"])
}

func TestSession_Unauthorized(t *testing.T) {
	svc := new(mockGateway)
	svc.On("Session", mock.Anything, "acme", "gone").Return(nil, fmt.Errorf("session expired: %w", domain.ErrUnauthorized))

	rr, _ := do(t, newTestRouter(svc, false), http.MethodGet, "/auth/session", "", map[string]string{middleware.HeaderSessionID: "gone"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestInternalErrorDetails(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1: refused")

	svc := new(mockGateway)
	svc.On("Signin", mock.Anything, "acme", mock.Anything).Return(nil, cause)
	rr, env := do(t, newTestRouter(svc, false), http.MethodPost, "/auth/signin", `{"email":"a@x.com","password":"x"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "Internal Server Error", env.Message)
	assert.Nil(t, env.Details)
	assert.NotContains(t, rr.Body.String(), "10.0.0.1")

	dev := new(mockGateway)
	dev.On("Signin", mock.Anything, "acme", mock.Anything).Return(nil, cause)
	_, env = do(t, newTestRouter(dev, true), http.MethodPost, "/auth/signin", `{"email":"a@x.com","password":"x"}`, nil)
	assert.Equal(t, map[string]any{"error": cause.Error()}, env.Details)
}

func TestRetryableIs503(t *testing.T) {
	svc := new(mockGateway)
	svc.On("Signup", mock.Anything, "acme", mock.Anything).Return(nil, fmt.Errorf("store timeout: %w", domain.ErrRetryable))

	rr, env := do(t, newTestRouter(svc, false), http.MethodPost, "/auth/signup", `{"email":"a@x.com","password":"Abcdef1!"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.StatusCode)
}

func TestHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHealthHandler().Ping(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	var env middleware.Envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	assert.Equal(t, "health", env.Operation)
}
