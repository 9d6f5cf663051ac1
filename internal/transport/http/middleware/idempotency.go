package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-auth-gateway/internal/domain"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 128
	maxIdempotentBody    = 64 << 10
)

// IdempotencyStore persists reservations keyed by tenant and key.
type IdempotencyStore interface {
	Reserve(ctx context.Context, rec *domain.IdempotencyRecord) error
	Get(ctx context.Context, tenantID, key string) (*domain.IdempotencyRecord, error)
	Complete(ctx context.Context, tenantID, key string, code int, body []byte) error
	Release(ctx context.Context, tenantID, key string) error
}

// Idempotency makes requests carrying an Idempotency-Key replayable. The first
// request reserves the key; a replay with the same body gets the stored
// response, a replay with another body or while the first is still running
// gets 409. Responses of 5xx release the key so the client may retry. Keys
// are scoped per operation. Must run after Tenant.
func Idempotency(store IdempotencyStore, ttl, timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			op := OperationName(r)
			if len(key) > maxIdempotencyKeyLen {
				WriteEnvelope(w, http.StatusBadRequest, op, HeaderIdempotencyKey+" too long", nil)
				return
			}
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIdempotentBody))
			if err != nil {
				WriteEnvelope(w, http.StatusBadRequest, op, "request body too large", nil)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			tenantID := TenantFromContext(r.Context())
			scoped := op + ":" + key
			sum := sha256.Sum256(body)
			hash := hex.EncodeToString(sum[:])
			now := time.Now().UTC()

			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			err = store.Reserve(ctx, &domain.IdempotencyRecord{
				TenantID:    tenantID,
				Key:         scoped,
				RequestHash: hash,
				ExpiresAt:   now.Add(ttl).Unix(),
				CreatedAt:   now,
			})
			cancel()
			switch {
			case errors.Is(err, domain.ErrConflict):
				replay(w, r, store, timeout, tenantID, scoped, hash, op)
				return
			case err != nil:
				slog.Warn("idempotency reserve failed", "tenant_id", tenantID, "operation", op, "err", err)
				WriteEnvelope(w, http.StatusServiceUnavailable, op, http.StatusText(http.StatusServiceUnavailable), nil)
				return
			}

			var buf bytes.Buffer
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&buf)
			defer func() {
				// A panicking handler releases the key before unwinding further.
				if rec := recover(); rec != nil {
					finalize(r, store, timeout, tenantID, scoped, op, http.StatusInternalServerError, nil)
					panic(rec)
				}
			}()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			finalize(r, store, timeout, tenantID, scoped, op, status, buf.Bytes())
		})
	}
}

// finalize records the outcome even when the client has gone away. Responses
// of 5xx release the key instead.
func finalize(r *http.Request, store IdempotencyStore, timeout time.Duration, tenantID, key, op string, status int, body []byte) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
	defer cancel()
	var err error
	if status >= http.StatusInternalServerError {
		err = store.Release(ctx, tenantID, key)
	} else {
		err = store.Complete(ctx, tenantID, key, status, body)
	}
	if err != nil {
		slog.Warn("idempotency finalize failed", "tenant_id", tenantID, "operation", op, "status", status, "err", err)
	}
}

func replay(w http.ResponseWriter, r *http.Request, store IdempotencyStore, timeout time.Duration, tenantID, key, hash, op string) {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	rec, err := store.Get(ctx, tenantID, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Released between our reserve and read; the client may retry.
			WriteEnvelope(w, http.StatusConflict, op, "request in progress", nil)
			return
		}
		slog.Warn("idempotency lookup failed", "tenant_id", tenantID, "operation", op, "err", err)
		WriteEnvelope(w, http.StatusServiceUnavailable, op, http.StatusText(http.StatusServiceUnavailable), nil)
		return
	}
	if rec.RequestHash != hash {
		WriteEnvelope(w, http.StatusConflict, op, HeaderIdempotencyKey+" reused with a different request", nil)
		return
	}
	if rec.Status != domain.IdempotencyCompleted {
		WriteEnvelope(w, http.StatusConflict, op, "request in progress", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(rec.ResponseCode)
	_, _ = w.Write(rec.ResponseBody)
}
