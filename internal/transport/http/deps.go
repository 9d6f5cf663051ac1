package http

import (
	"github.com/go-auth-gateway/internal/application/gateway"
	appmiddleware "github.com/go-auth-gateway/internal/transport/http/middleware"
)

// Deps holds the services and stores the router wires into handlers.
type Deps struct {
	Gateway     gateway.Service
	Idempotency appmiddleware.IdempotencyStore
	// Tokens is optional. When nil, signout and session read X-Session-Id.
	Tokens appmiddleware.TokenVerifier
}
