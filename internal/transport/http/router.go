package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-auth-gateway/internal/config"
	"github.com/go-auth-gateway/internal/transport/http/handler"
	appmiddleware "github.com/go-auth-gateway/internal/transport/http/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// NewRouter builds and returns the application router. The returned limiter
// must be stopped on shutdown.
func NewRouter(cfg *config.Config, deps *Deps) (http.Handler, *appmiddleware.RateLimiter) {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(appmiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			appmiddleware.HeaderTenantID,
			appmiddleware.HeaderSessionID,
			appmiddleware.HeaderIdempotencyKey,
		},
		ExposedHeaders:   []string{appmiddleware.HeaderReplayed},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(appmiddleware.Preflight)

	// 5 requests/second, burst of 10, applied to the credential endpoints.
	trusted, err := appmiddleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		slog.Warn("ignoring invalid trusted proxies", "err", err)
	}
	sensitiveRL := appmiddleware.NewRateLimiter(rate.Limit(5), 10, trusted)

	idem := func(next http.Handler) http.Handler { return next }
	if deps.Idempotency != nil {
		idem = appmiddleware.Idempotency(deps.Idempotency, cfg.IdempotencyTTL, cfg.StoreTimeout)
	}

	healthH := handler.NewHealthHandler()
	authH := handler.NewAuthHandler(deps.Gateway, cfg.IsDevelopment())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		appmiddleware.WriteEnvelope(w, http.StatusNotFound, appmiddleware.OperationName(r), "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		appmiddleware.WriteEnvelope(w, http.StatusMethodNotAllowed, appmiddleware.OperationName(r), "method not allowed", nil)
	})

	r.Get("/health", healthH.Ping)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Use(appmiddleware.Tenant)

		r.With(sensitiveRL.Limit, idem).Post("/signup", authH.Signup)
		r.With(idem).Post("/confirm-signup", authH.ConfirmSignup)
		r.With(sensitiveRL.Limit).Post("/send-code", authH.SendCode)
		r.With(sensitiveRL.Limit).Post("/reset-password", authH.ResetPassword)
		r.With(sensitiveRL.Limit).Post("/signin", authH.Signin)

		r.Group(func(r chi.Router) {
			r.Use(appmiddleware.SessionID(deps.Tokens))

			r.Get("/signout", authH.Signout)
			r.Get("/session", authH.Session)
		})
	})

	return r, sensitiveRL
}
