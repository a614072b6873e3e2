package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"audittrail/pkg/platform/audit"
	"audittrail/pkg/platform/audit/publisher"
	"audittrail/pkg/platform/circuit"
)

type publishFlags struct {
	operation string
	clientID  string
	agentID   string
	attribute string
	before    string
	after     string
}

func newPublishCmd(a *app) *cobra.Command {
	var f publishFlags
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one audit entry to the queue",
		Long: `publish builds an audit entry the way a client service would and sends it
to the configured queue transport. Delivery is best effort: a send failure is
logged, not returned.`,
		Example: `  audittrail publish --operation UPDATE --client c-1 --agent a-7 \
    --attribute Address --before "1 Old Rd" --after "2 New St"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			op, ok := audit.ParseOperation(f.operation)
			if !ok {
				return fmt.Errorf("invalid operation %q: want one of %s", f.operation, operationList())
			}
			ctx := cmd.Context()
			producer, closeProducer, err := newProducer(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer closeProducer()

			breaker := circuit.New("audit-producer",
				circuit.WithFailureThreshold(a.cfg.Publisher.BreakerThreshold),
				circuit.WithCooldown(a.cfg.Publisher.BreakerCooldown),
			)
			p := publisher.New(producer, a.cfg.Publisher.Source,
				publisher.WithLogger(a.logger),
				publisher.WithRetention(a.cfg.Publisher.Retention),
				publisher.WithSendTimeout(a.cfg.Publisher.SendTimeout),
				publisher.WithBreaker(breaker),
			)
			switch op {
			case audit.OperationCreate:
				p.RecordCreate(ctx, f.clientID, f.agentID, f.after)
			case audit.OperationRead:
				p.RecordRead(ctx, f.clientID, f.agentID)
			case audit.OperationUpdate:
				p.RecordUpdate(ctx, f.clientID, f.agentID, f.attribute, f.before, f.after)
			case audit.OperationDelete:
				p.RecordDelete(ctx, f.clientID, f.agentID, f.before)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s entry for client %s offered to %s\n", op, f.clientID, a.cfg.Queue.Transport)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.operation, "operation", "", "CREATE, READ, UPDATE or DELETE")
	cmd.Flags().StringVar(&f.clientID, "client", "", "client id")
	cmd.Flags().StringVar(&f.agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&f.attribute, "attribute", "", "changed attribute (UPDATE)")
	cmd.Flags().StringVar(&f.before, "before", "", "previous value (UPDATE, DELETE)")
	cmd.Flags().StringVar(&f.after, "after", "", "new value (CREATE, UPDATE)")
	_ = cmd.MarkFlagRequired("operation")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func operationList() string {
	names := make([]string, len(audit.Operations))
	for i, op := range audit.Operations {
		names[i] = op.String()
	}
	return strings.Join(names, ", ")
}
