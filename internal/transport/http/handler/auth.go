package handler

import (
	"net/http"

	"github.com/go-auth-gateway/internal/application/gateway"
	"github.com/go-auth-gateway/internal/domain"
	"github.com/go-auth-gateway/internal/transport/http/middleware"
)

// AuthHandler exposes the gateway operations under /auth.
type AuthHandler struct {
	svc            gateway.Service
	exposeInternal bool
}

func NewAuthHandler(svc gateway.Service, exposeInternal bool) *AuthHandler {
	return &AuthHandler{svc: svc, exposeInternal: exposeInternal}
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	const op = "signup"
	var req domain.SignupRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, op, err, h.exposeInternal)
		return
	}
	res, err := h.svc.Signup(r.Context(), middleware.TenantFromContext(r.Context()), req)
	if err != nil {
		writeError(w, r, op, err, h.exposeInternal)
		return
	}
	writeOK(w, op, "user registered, confirmation code sent", res)
}

func (h *AuthHandler) ConfirmSignup(w http.ResponseWriter, r *http.Request) {
	const op = "confirmSignup"
	var req domain.ConfirmSignupRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, op, err, h.exposeInternal)
		return
	}
	res, err := h.svc.ConfirmSignup(r.Context(), middleware.TenantFromContext(r.Context()), req)
	if err != nil {
		writeError(w, r, op, err, h.exposeInternal)
		return
	}
	writeOK(w, op, "user confirmed", res)
}

func (h *AuthHandler) SendCode(w http.ResponseWriter, r *http.Request) {
	const op = "sendCode"
	var req domain.SendCodeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, op, err, h.exposeInternal)
		return
	}
	if err := h.svc.SendCode(r.Context(), middleware.TenantFromContext(r.Context()), req); err != nil {
		writeError(w, r, op, err, h.exposeInternal)
		return
	}
	writeOK(w, op, "code sent", nil)
}

func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	const op = "resetPassword"
	var req domain.ResetPasswordRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, op, err, h.exposeInternal)
		return
	}
	if err := h.svc.ResetPassword(r.Context(), middleware.TenantFromContext(r.Context()), req); err != nil {
		writeError(w, r, op, err, h.exposeInternal)
		return
	}
	writeOK(w, op, "password updated", nil)
}

func (h *AuthHandler) Signin(w http.ResponseWriter, r *http.Request) {
	const op = "signin"
	var req domain.SigninRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, op, err, h.exposeInternal)
		return
	}
	res, err := h.svc.Signin(r.Context(), middleware.TenantFromContext(r.Context()), req)
	if err != nil {
		writeError(w, r, op, err, h.exposeInternal)
		return
	}
	writeOK(w, op, "signed in", res)
}

func (h *AuthHandler) Signout(w http.ResponseWriter, r *http.Request) {
	const op = "signout"
	ctx := r.Context()
	if err := h.svc.Signout(ctx, middleware.TenantFromContext(ctx), middleware.SessionIDFromContext(ctx)); err != nil {
		writeError(w, r, op, err, h.exposeInternal)
		return
	}
	writeOK(w, op, "signed out", nil)
}

func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	const op = "session"
	ctx := r.Context()
	info, err := h.svc.Session(ctx, middleware.TenantFromContext(ctx), middleware.SessionIDFromContext(ctx))
	if err != nil {
		writeError(w, r, op, err, h.exposeInternal)
		return
	}
	writeOK(w, op, "session active", info)
}
