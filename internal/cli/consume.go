package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"audittrail/internal/platform/metrics"
	"audittrail/pkg/platform/audit/worker"
)

func newConsumeCmd(a *app) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Run the queue writer that persists audit entries",
		Long: `consume reads batches from the configured queue transport, validates each
message and writes it to the log store. Messages that fail transiently are
handed back to the transport for redelivery.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := openStore(ctx, a.cfg.Store)
			if err != nil {
				return err
			}
			defer b.Close()

			m := metrics.New()
			if metricsAddr == "" {
				return a.consume(ctx, b, m)
			}

			srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				defer srv.Close()
				return a.consume(gctx, b, m)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address while consuming")
	return cmd
}

// consume runs the writer over the configured transport until ctx ends.
func (a *app) consume(ctx context.Context, b *backend, m *metrics.Metrics) error {
	consumer, closeConsumer, err := newConsumer(ctx, a, m)
	if err != nil {
		return err
	}
	defer closeConsumer()

	writer := worker.NewWriter(b,
		worker.WithLogger(a.logger),
		worker.WithMetrics(m),
		worker.WithConcurrency(a.cfg.Writer.Concurrency),
	)
	a.logger.InfoContext(ctx, "audit writer consuming", "transport", a.cfg.Queue.Transport, "store", a.cfg.Store.Driver)
	return consumer.Run(ctx, writer.ProcessBatch)
}
