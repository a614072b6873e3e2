package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"audittrail/internal/auditlog/cursor"
	"audittrail/internal/auditlog/handler"
	querymetrics "audittrail/internal/auditlog/metrics"
	"audittrail/internal/auditlog/service"
	jwttoken "audittrail/internal/jwt_token"
	"audittrail/internal/platform/httpserver"
	"audittrail/internal/platform/metrics"
	"audittrail/pkg/platform/httputil"
	"audittrail/pkg/platform/middleware/auth"
	"audittrail/pkg/platform/middleware/request"
	"audittrail/pkg/platform/middleware/requesttime"
)

func newServeCmd(a *app) *cobra.Command {
	var consume bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the audit log query API",
		Long: `serve exposes GET /audit-logs and GET /audit-logs/client/{clientID} behind
bearer authentication, plus /health and /metrics.

With --consume the queue writer runs in the same process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, consume)
		},
	}
	cmd.Flags().BoolVar(&consume, "consume", false, "also run the queue writer in this process")
	return cmd
}

func (a *app) serve(ctx context.Context, consume bool) error {
	b, err := openStore(ctx, a.cfg.Store)
	if err != nil {
		return err
	}
	defer b.Close()

	router := a.router(b)
	srv := httpserver.New(a.cfg.Server.Addr, router, a.cfg.Query.Timeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.InfoContext(gctx, "audit API listening", "addr", a.cfg.Server.Addr, "store", a.cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		a.logger.InfoContext(shutdownCtx, "shutting down audit API")
		return srv.Shutdown(shutdownCtx)
	})
	if b.sql != nil && a.cfg.Store.CleanupInterval > 0 {
		g.Go(func() error {
			if err := b.sql.StartCleanup(gctx, a.cfg.Store.CleanupInterval, a.logger); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if consume {
		g.Go(func() error {
			return a.consume(gctx, b, metrics.New())
		})
	}
	return g.Wait()
}

// router mounts the query API. Auth applies to the audit routes only.
func (a *app) router(b *backend) http.Handler {
	codec := cursor.New([]byte(a.cfg.Server.CursorKey), cursor.WithTTL(a.cfg.Query.CursorTTL))
	svcCfg := service.DefaultConfig()
	if a.cfg.Query.OverfetchFactor > 0 {
		svcCfg.OverfetchFactor = a.cfg.Query.OverfetchFactor
	}
	if a.cfg.Query.MaxRoundTrips > 0 {
		svcCfg.MaxRoundTrips = a.cfg.Query.MaxRoundTrips
	}
	svc := service.New(b, codec,
		service.WithConfig(svcCfg),
		service.WithLogger(a.logger),
		service.WithMetrics(querymetrics.New()),
	)
	jwt := jwttoken.NewJWTService(a.cfg.Server.JWTSigningKey, a.cfg.Server.JWTIssuer, a.cfg.Server.JWTAudience)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(request.RequestID)
	r.Use(requesttime.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(jwttoken.NewJWTServiceAdapter(jwt), a.logger))
		handler.New(svc, a.logger, a.cfg.Query.Timeout).Register(r)
	})
	return r
}
