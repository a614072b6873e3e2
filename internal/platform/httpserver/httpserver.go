package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with the timeouts used across this project.
// The write timeout leaves headroom over the query deadline so a timed-out
// query can still report 504.
func New(addr string, handler http.Handler, queryTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      queryTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
