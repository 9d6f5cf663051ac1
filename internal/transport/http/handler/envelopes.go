package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-auth-gateway/internal/domain"
	"github.com/go-auth-gateway/internal/transport/http/middleware"
)

const maxBodyBytes = 64 << 10

// StatusFor maps a domain error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrRetryable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeOK(w http.ResponseWriter, op, msg string, details any) {
	middleware.WriteEnvelope(w, http.StatusOK, op, msg, details)
}

// writeError writes err as an envelope. Server-side failures get a generic
// message; their cause is only echoed in details when exposeInternal is set.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error, exposeInternal bool) {
	status := StatusFor(err)
	if status < http.StatusInternalServerError {
		slog.Debug("request rejected", "operation", op, "status", status, "err", err)
		middleware.WriteEnvelope(w, status, op, err.Error(), nil)
		return
	}
	slog.Error("request failed",
		"operation", op,
		"tenant_id", middleware.TenantFromContext(r.Context()),
		"status", status,
		"err", err,
	)
	var details any
	if exposeInternal {
		details = map[string]string{"error": err.Error()}
	}
	middleware.WriteEnvelope(w, status, op, http.StatusText(status), details)
}

// decodeBody reads a JSON object into v. Malformed or oversized bodies are
// validation errors.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body required: %w", domain.ErrValidation)
		}
		return fmt.Errorf("invalid request body: %w", domain.ErrValidation)
	}
	return nil
}
