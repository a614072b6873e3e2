package auth

import (
	"log/slog"
	"net/http"
	"strings"

	dErrors "audittrail/pkg/domain-errors"
	"audittrail/pkg/platform/httputil"
	request "audittrail/pkg/platform/middleware/request"
	"audittrail/pkg/requestcontext"
)

// JWTValidator verifies a bearer token.
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims are the verified identity claims the read API needs.
type JWTClaims struct {
	Subject string
	Role    string
}

var errUnauthorized = dErrors.New(dErrors.CodeUnauthorized, "Unauthorized")

// RequireAuth rejects requests without a valid bearer token and stores the
// verified subject and role in the request context. Role values are not
// judged here; the authorization resolver does that.
func RequireAuth(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteError(w, errUnauthorized)
				return
			}

			claims, err := validator.ValidateToken(strings.TrimSpace(token))
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteError(w, errUnauthorized)
				return
			}

			ctx = requestcontext.WithIdentity(ctx, claims.Subject, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
