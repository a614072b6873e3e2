package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"audittrail/pkg/platform/audit"
)

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write every live audit entry as JSON lines",
		Long:  `export scans the configured store and writes one wire record per line, in no particular order.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := openStore(ctx, a.cfg.Store)
			if err != nil {
				return err
			}
			defer b.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			n := 0
			err = b.Scan(ctx, func(e audit.Entry) error {
				n++
				return enc.Encode(e.ToRecord())
			})
			if err != nil {
				return fmt.Errorf("export audit log: %w", err)
			}
			a.logger.InfoContext(ctx, "audit log exported", "count", n)
			return nil
		},
	}
}
