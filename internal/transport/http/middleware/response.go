package middleware

import (
	"encoding/json"
	"net/http"
	"path"
	"strings"
)

// ServiceName is reported in the service field of every envelope.
const ServiceName = "Auth"

// Envelope is the body of every response the gateway writes.
type Envelope struct {
	StatusCode int    `json:"statusCode"`
	Service    string `json:"service"`
	Operation  string `json:"operation"`
	Message    string `json:"message"`
	Details    any    `json:"details"`
}

// WriteEnvelope writes a JSON envelope with the correct Content-Type.
func WriteEnvelope(w http.ResponseWriter, status int, operation, msg string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{
		StatusCode: status,
		Service:    ServiceName,
		Operation:  operation,
		Message:    msg,
		Details:    details,
	})
}

// OperationName derives the operation from the last path segment, so
// /auth/confirm-signup becomes confirmSignup.
func OperationName(r *http.Request) string {
	parts := strings.Split(path.Base(r.URL.Path), "-")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}

// Preflight answers any OPTIONS request with an empty 200. It runs after the
// CORS handler so browsers still get their Access-Control headers.
func Preflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
