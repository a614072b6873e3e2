// Package request assigns every HTTP request an id and carries it in the context.
package request

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"audittrail/pkg/requestcontext"
)

// HeaderRequestID is read from the caller when present and always echoed back.
const HeaderRequestID = "X-Request-ID"

const maxRequestIDLength = 128

// RequestID reuses a sane inbound X-Request-ID or generates one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(requestcontext.WithRequestID(r.Context(), id)))
	})
}

// GetRequestID returns the id assigned to the request in ctx.
func GetRequestID(ctx context.Context) string {
	return requestcontext.RequestID(ctx)
}
