package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-auth-gateway/internal/application/gateway"
	"github.com/go-auth-gateway/internal/application/sweeper"
	"github.com/go-auth-gateway/internal/config"
	"github.com/go-auth-gateway/internal/domain"
	"github.com/go-auth-gateway/internal/infrastructure/dynamo"
	"github.com/go-auth-gateway/internal/infrastructure/events"
	jwtinfra "github.com/go-auth-gateway/internal/infrastructure/jwt"
	"github.com/go-auth-gateway/internal/infrastructure/metrics"
	redisinfra "github.com/go-auth-gateway/internal/infrastructure/redis"
	s3infra "github.com/go-auth-gateway/internal/infrastructure/s3"
	"github.com/go-auth-gateway/internal/infrastructure/sns"
	"github.com/go-auth-gateway/internal/pkg/password"
	transporthttp "github.com/go-auth-gateway/internal/transport/http"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

// sessionBackend is what both the gateway and the sweeper need from a
// session store.
type sessionBackend interface {
	Create(ctx context.Context, s *domain.SessionRecord) error
	Get(ctx context.Context, tenantID, sessionID string) (*domain.SessionRecord, error)
	Touch(ctx context.Context, tenantID, sessionID string, now, expiresAt time.Time) error
	Revoke(ctx context.Context, tenantID, sessionID string) error
	ListActiveBySubject(ctx context.Context, tenantID, subjectID string) ([]domain.SessionRecord, error)
	ListByExpiry(ctx context.Context, before time.Time, cursor string, limit int32) ([]domain.SessionRecord, string, error)
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, reading from environment")
	}

	cfg := config.Load()
	slog.SetDefault(newLogger(cfg))
	slog.Info("identity provider", "pool_id", cfg.IdPPoolID, "client_id", cfg.IdPClientID)

	metrics.Register(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dynamoClient := dynamo.NewClient(cfg)
	if cfg.DynamoBootstrap {
		dynamo.Bootstrap(ctx, dynamoClient, cfg.DynamoTables)
	}

	sessions, closeSessions, err := newSessionBackend(ctx, cfg, dynamoClient)
	if err != nil {
		slog.Error("session store unavailable", "backend", cfg.SessionBackend, "err", err)
		os.Exit(1)
	}
	defer closeSessions()

	publisher := newPublisher(cfg)

	hasher, err := password.NewHasher(cfg.Argon2.MemoryKB, cfg.Argon2.Time, cfg.Argon2.Threads)
	if err != nil {
		slog.Error("invalid argon2 parameters", "err", err)
		os.Exit(1)
	}

	deps := gateway.ServiceDeps{
		Credentials: dynamo.NewCredentialRepo(dynamoClient, cfg.DynamoTables.Users),
		Sessions:    sessions,
		Events:      publisher,
		Hasher:      hasher,
		Policy: gateway.Policy{
			AccessTTL:     cfg.AccessTokenTTL,
			RefreshWindow: cfg.RefreshWindow,
			CodeTTL:       cfg.CodeTTL,
			StoreTimeout:  cfg.StoreTimeout,
			SingleSession: cfg.SingleSession,
			Sliding:       cfg.SlidingSessions,
		},
	}
	routerDeps := &transporthttp.Deps{
		Idempotency: dynamo.NewIdempotencyRepo(dynamoClient, cfg.DynamoTables.Idempotency),
	}

	// JWT provider (optional; without keys sessions are addressed by X-Session-Id).
	if p, err := jwtinfra.NewProvider(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath); err == nil {
		deps.Tokens = p
		routerDeps.Tokens = p
	} else {
		slog.Warn("JWT provider not available", "err", err)
	}
	routerDeps.Gateway = gateway.NewService(deps)

	sw := sweeper.New(sessions, publisher, cfg.SweepInterval, cfg.StoreTimeout)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sw.Run(ctx)
	}()

	router, limiter := transporthttp.NewRouter(cfg, routerDeps)
	defer limiter.Stop()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.AppPort, "env", cfg.AppEnv, "session_backend", cfg.SessionBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "err", err)
	}
	<-sweepDone
	if err := publisher.Close(shutdownCtx); err != nil {
		slog.Warn("event publisher did not drain", "err", err)
	}
	slog.Info("server stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func newSessionBackend(ctx context.Context, cfg *config.Config, dynamoClient dynamo.API) (sessionBackend, func(), error) {
	switch cfg.SessionBackend {
	case "redis":
		client, err := redisinfra.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return redisinfra.NewSessionRepo(client), func() { _ = client.Close() }, nil
	case "dynamo", "":
		return dynamo.NewSessionRepo(dynamoClient, cfg.DynamoTables.Sessions), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown session backend %q", cfg.SessionBackend)
	}
}

// newPublisher delivers to SNS when a topic is configured, otherwise to the
// log. Undeliverable events go to S3 when a bucket is configured.
func newPublisher(cfg *config.Config) *events.Publisher {
	var bus events.Bus = events.LogBus{}
	if cfg.EventTopicARN != "" {
		if client, err := sns.NewClient(cfg); err == nil {
			bus = sns.NewBus(client, cfg.EventTopicARN)
		} else {
			slog.Warn("SNS not available, logging events instead", "err", err)
		}
	}

	var dlq events.DeadLetterSink
	if cfg.EventDeadLetterBucket != "" {
		if client, err := s3infra.NewClient(cfg); err == nil {
			dlq = s3infra.NewDeadLetter(client, cfg.EventDeadLetterBucket)
		} else {
			slog.Warn("S3 dead letter not available", "err", err)
		}
	}

	return events.NewPublisher(bus, dlq, events.Options{
		Buffer:         cfg.EventBuffer,
		Workers:        cfg.EventWorkers,
		EnqueueTimeout: cfg.EventPublishTimeout,
		MaxRetries:     cfg.EventMaxRetries,
	})
}
