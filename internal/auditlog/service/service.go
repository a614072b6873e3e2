package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"audittrail/internal/auditlog/authz"
	"audittrail/internal/auditlog/cursor"
	"audittrail/internal/auditlog/metrics"
	"audittrail/internal/auditlog/store"
	dErrors "audittrail/pkg/domain-errors"
	audit "audittrail/pkg/platform/audit"
	"audittrail/pkg/platform/sentinel"
	"audittrail/pkg/requestcontext"
)

// LogStore is the read side of the log store adapter.
type LogStore interface {
	Query(ctx context.Context, q store.Query) (store.Page, error)
}

// Config bounds page sizes and store work per call.
type Config struct {
	DefaultPageSize       int
	MaxPageSize           int
	ClientDefaultPageSize int
	ClientMaxPageSize     int
	// OverfetchFactor multiplies the store limit when a filter may thin out pages.
	OverfetchFactor int
	// MaxRoundTrips caps store calls per partition for one page.
	MaxRoundTrips int
	// DefaultLookback applies when the caller neither paginates nor sets hours.
	DefaultLookback time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		DefaultPageSize:       50,
		MaxPageSize:           100,
		ClientDefaultPageSize: 10,
		ClientMaxPageSize:     20,
		OverfetchFactor:       2,
		MaxRoundTrips:         50,
		DefaultLookback:       24 * time.Hour,
	}
}

// Request is one read from the API.
type Request struct {
	Caller authz.Caller
	Scope  authz.Scope
	// ClientID is required for ScopeClient.
	ClientID string
	// Operation filters results; empty means every operation.
	Operation audit.Operation
	// Hours, when set, bounds results to the trailing window.
	Hours *int
	// PageSize, when set, asks for pagination.
	PageSize  *int
	NextToken string
}

// Paginated reports whether the caller opted into pagination.
func (r Request) Paginated() bool {
	return r.PageSize != nil || r.NextToken != ""
}

// Page is the engine's answer.
type Page struct {
	Entries   []audit.Entry
	NextToken string
	PageSize  int
	Paginated bool
}

// HasMore reports whether a further page may exist.
func (p *Page) HasMore() bool { return p.NextToken != "" }

// Service runs role-scoped queries against the log store.
type Service struct {
	store   LogStore
	codec   *cursor.Codec
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithConfig(cfg Config) Option {
	return func(s *Service) {
		s.config = cfg
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		if tp != nil {
			s.tracer = tp.Tracer(instrumentationName)
		}
	}
}

const instrumentationName = "audittrail/internal/auditlog/service"

// New constructs a Service.
func New(logStore LogStore, codec *cursor.Codec, opts ...Option) *Service {
	s := &Service{
		store:  logStore,
		codec:  codec,
		config: DefaultConfig(),
		logger: slog.Default(),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Query authorizes req and returns one page.
func (s *Service) Query(ctx context.Context, req Request) (*Page, error) {
	decision, err := authz.Authorize(req.Caller, req.Scope)
	if err != nil {
		return nil, err
	}
	if err := s.validate(req); err != nil {
		return nil, err
	}

	shape := decision.Shape.String()
	ctx, span := s.tracer.Start(ctx, "auditlog.query", trace.WithAttributes(
		attribute.String("audit.query.shape", shape),
		attribute.String("audit.query.operation", string(req.Operation)),
		attribute.Bool("audit.query.resumed", req.NextToken != ""),
	))
	defer span.End()

	start := time.Now()
	run := &execution{Service: s}

	var page *Page
	switch decision.Shape {
	case authz.ShapeByActor:
		page, err = run.singleIndex(ctx, req, cursor.KindActor, store.On(store.ByAgent, req.Caller.Subject).Where(req.Operation))
	case authz.ShapeByClient:
		page, err = run.byClient(ctx, req, decision.NeedsOwnership)
	case authz.ShapeAllLogs:
		if req.Operation != "" {
			page, err = run.singleIndex(ctx, req, cursor.KindOperation, store.On(store.ByOperation, string(req.Operation)))
		} else {
			page, err = run.fanout(ctx, req)
		}
	}

	if err != nil {
		err = s.translate(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		s.metrics.ObserveQuery(shape, string(dErrors.CodeOf(err)), time.Since(start), run.trips)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("audit.query.returned", len(page.Entries)),
		attribute.Int("audit.query.round_trips", run.trips),
	)
	s.metrics.ObserveQuery(shape, "ok", time.Since(start), run.trips)
	return page, nil
}

func (s *Service) validate(req Request) error {
	if req.Operation != "" && !req.Operation.IsValid() {
		return dErrors.Newf(dErrors.CodeBadRequest, "Invalid operation: %s", req.Operation)
	}
	if req.Hours != nil && *req.Hours <= 0 {
		return dErrors.New(dErrors.CodeBadRequest, "hours must be a positive integer")
	}
	if req.Scope == authz.ScopeClient && req.ClientID == "" {
		return dErrors.New(dErrors.CodeBadRequest, "clientId is required")
	}
	return nil
}

// translate keeps domain errors and labels everything else for the caller.
// Store failures are logged here with their cause; callers only see the code.
func (s *Service) translate(ctx context.Context, err error) error {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	// Drivers report a fired deadline in their own terms (lib/pq returns the
	// server's 57014 cancel), so the query context decides.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.logger.WarnContext(ctx, "audit log query timed out", "error", err)
		return dErrors.Wrap(err, dErrors.CodeTimeout, "Request timed out")
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		s.logger.DebugContext(ctx, "audit log query abandoned by caller", "error", err)
		return dErrors.Wrap(err, dErrors.CodeCanceled, "Request canceled")
	}
	s.logger.ErrorContext(ctx, "audit log query failed",
		"store_unavailable", errors.Is(err, sentinel.ErrUnavailable),
		"error", err,
	)
	return dErrors.Wrap(err, dErrors.CodeInternal, "Internal server error")
}

// pageSize resolves the requested size against the shape's bounds.
func pageSize(requested *int, def, limit int) int {
	if requested == nil {
		return def
	}
	return min(max(*requested, 1), limit)
}

// threshold picks the lower time bound for a fresh query.
func (s *Service) threshold(ctx context.Context, req Request, legacyDefault bool) time.Time {
	now := requestcontext.Now(ctx)
	if req.Hours != nil {
		return now.Add(-time.Duration(*req.Hours) * time.Hour)
	}
	if legacyDefault && !req.Paginated() {
		return now.Add(-s.config.DefaultLookback)
	}
	return time.Time{}
}

func (s *Service) encode(state cursor.State) (string, error) {
	return s.codec.Encode(state)
}
