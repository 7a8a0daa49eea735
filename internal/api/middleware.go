package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/auth"
)

// sessionCookie carries the session token for browser clients that cannot
// set an Authorization header (the events WebSocket).
const sessionCookie = "platform_session"

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const contextKeyPrincipal contextKey = iota

// Authenticate resolves the request credential into a Principal. The bearer
// header wins; the session cookie is the fallback. On failure it writes a
// 401 and stops the chain.
func Authenticate(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				if cookie, err := r.Cookie(sessionCookie); err == nil {
					raw = cookie.Value
				}
			}
			if raw == "" {
				ErrUnauthorized(w)
				return
			}

			principal, err := authenticator.Authenticate(r.Context(), raw)
			if err != nil {
				Error(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyPrincipal, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header, or "" when absent or malformed.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// principalFromCtx retrieves the principal stored by Authenticate. Returns
// nil on unauthenticated requests.
func principalFromCtx(ctx context.Context) *auth.Principal {
	principal, _ := ctx.Value(contextKeyPrincipal).(*auth.Principal)
	return principal
}

// RequestLogger logs each request with method, path, status and byte count.
// middleware.RequestID is expected to run first so the ID is available.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
