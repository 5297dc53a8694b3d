// Package middleware holds the authentication middleware of the device agent.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/marmos91/flashkv/internal/logger"
	"github.com/marmos91/flashkv/pkg/api/auth"
	"github.com/marmos91/flashkv/pkg/api/handlers"
)

type claimsKey struct{}

// ClaimsFromContext returns the token claims JWTAuth stored in ctx, or nil
// when the agent runs without authentication.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims
}

// bearerToken returns the credentials of an "Authorization: Bearer" header.
// The scheme is matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// JWTAuth rejects requests without a valid access token with 401 and
// stores the claims of accepted ones in the request context.
func JWTAuth(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				handlers.Unauthorized(w, "authorization header required")
				return
			}

			claims, err := jwtService.ValidateAccessToken(token)
			if err != nil {
				logger.DebugCtx(r.Context(), "token rejected", logger.Err(err))
				handlers.Unauthorized(w, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// RequireWrite answers 403 to tokens whose role may not change device
// state. Requests carrying no claims pass, so an agent running without
// JWTAuth stays open.
func RequireWrite() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims != nil && !claims.CanWrite() {
				logger.InfoCtx(r.Context(), "write denied",
					"subject", claims.Subject,
					"role", string(claims.Role),
					"method", r.Method)
				handlers.Forbidden(w, "operator role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
