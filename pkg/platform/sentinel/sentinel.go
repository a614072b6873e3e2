package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these wrapped so
// the writer and the query service can decide what a failure means without
// knowing the backend.
//
//   - ErrRejected: the backend will never accept this write; do not retry
//   - ErrUnavailable: the backend could not be reached; a retry may succeed
var (
	ErrRejected    = errors.New("store rejected entry")
	ErrUnavailable = errors.New("store unavailable")
)
