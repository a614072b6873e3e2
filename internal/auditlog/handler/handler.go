package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"audittrail/internal/auditlog/authz"
	"audittrail/internal/auditlog/service"
	"audittrail/pkg/platform/httputil"
	"audittrail/pkg/requestcontext"
)

// DefaultQueryTimeout bounds one read request.
const DefaultQueryTimeout = 10 * time.Second

// Service runs audit log queries.
type Service interface {
	Query(ctx context.Context, req service.Request) (*service.Page, error)
}

// Handler serves the audit log read API.
type Handler struct {
	service Service
	logger  *slog.Logger
	timeout time.Duration
}

// New constructs the handler. A non-positive timeout uses DefaultQueryTimeout.
func New(service Service, logger *slog.Logger, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &Handler{
		service: service,
		logger:  logger,
		timeout: timeout,
	}
}

// Register mounts the read endpoints. The router must already authenticate.
func (h *Handler) Register(r chi.Router) {
	r.Get("/audit-logs", h.HandleList)
	r.Get("/audit-logs/client/{clientID}", h.HandleClient)
}

// HandleList handles GET /audit-logs: own logs for agents, all logs for admins.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, authz.ScopeOwn, "")
}

// HandleClient handles GET /audit-logs/client/{clientID}.
func (h *Handler) HandleClient(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, authz.ScopeClient, chi.URLParam(r, "clientID"))
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, scope authz.Scope, clientID string) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	caller, err := authz.Resolve(authz.Claims{
		Subject: requestcontext.Subject(ctx),
		Role:    requestcontext.Role(ctx),
	})
	if err != nil {
		h.logger.WarnContext(ctx, "audit log access denied",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	params, err := ParseQuery(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req := service.Request{Caller: caller, Scope: scope, ClientID: clientID}
	params.apply(&req)

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	page, err := h.service.Query(ctx, req)
	if err != nil {
		h.logger.WarnContext(ctx, "audit log query rejected",
			"request_id", requestID,
			"subject", caller.Subject,
			"client_id", clientID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "audit logs served",
		"request_id", requestID,
		"subject", caller.Subject,
		"role", string(caller.Role),
		"client_id", clientID,
		"count", len(page.Entries),
		"has_more", page.HasMore(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, FromPage(page))
}
