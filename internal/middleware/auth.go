// Package middleware provides HTTP middleware for the orchestrator API.
package middleware

import (
	"context"
	"net/http"
	"strings"

	apierrors "github.com/aidchain/orchestrator/internal/pkg/errors"
	"github.com/aidchain/orchestrator/internal/pkg/response"
	"github.com/aidchain/orchestrator/internal/service"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// AddressKey is the context key for the authenticated wallet address.
	AddressKey contextKey = "address"
	// DeviceIDKey is the context key for the device identifier.
	DeviceIDKey contextKey = "device_id"
)

// Auth returns a middleware requiring a valid bearer token. The token's
// verified flag is advisory only; writes that need a verified identity are
// gated against the ledger registry.
func Auth(tokens service.TokenService) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			claims, err := tokens.Validate(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), AddressKey, claims.Address())
			ctx = context.WithValue(ctx, DeviceIDKey, claims.DeviceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAddress retrieves the authenticated address from context.
func GetAddress(ctx context.Context) string {
	if v := ctx.Value(AddressKey); v != nil {
		return v.(string)
	}
	return ""
}

// GetDeviceID retrieves the device identifier from context.
func GetDeviceID(ctx context.Context) string {
	if v := ctx.Value(DeviceIDKey); v != nil {
		return v.(string)
	}
	return ""
}
