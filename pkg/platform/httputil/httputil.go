// Package httputil writes JSON responses and maps domain error codes to HTTP
// status. It is the only place that translation happens.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "audittrail/pkg/domain-errors"
)

// internalMessage replaces the message of any error that maps to a 5xx, so
// backend details never reach the response body.
const internalMessage = "Internal server error"

// StatusClientClosedRequest is the non-standard status recorded when the
// caller went away before the reply was written.
const StatusClientClosedRequest = 499

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError replies with the status for err's code and its caller-safe message.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	status := StatusFor(code)

	msg := internalMessage
	var de *dErrors.Error
	if errors.As(err, &de) && (status < 500 || code == dErrors.CodeTimeout) {
		msg = de.Message
	}
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// StatusFor maps a domain error code to an HTTP status.
func StatusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeValidation, dErrors.CodeBadRequest, dErrors.CodeInvalidCursor:
		return http.StatusBadRequest
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeForbidden:
		return http.StatusForbidden
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
