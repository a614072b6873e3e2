package testutil

import (
	"net/http"

	"audittrail/pkg/requestcontext"
)

// WithIdentity attaches a verified caller to the request, as the auth
// middleware does after validating a bearer token.
func WithIdentity(req *http.Request, subject, role string) *http.Request {
	return req.WithContext(requestcontext.WithIdentity(req.Context(), subject, role))
}

// IdentityMiddleware stands in for bearer authentication in handler tests.
func IdentityMiddleware(subject, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, WithIdentity(r, subject, role))
		})
	}
}
