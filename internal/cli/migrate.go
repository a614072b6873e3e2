package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the store schema and queue topics or consumer group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			b, err := openStore(ctx, a.cfg.Store)
			if err != nil {
				return err
			}
			defer b.Close()
			if b.sql != nil {
				fmt.Fprintf(out, "%s schema ready\n", a.cfg.Store.Driver)
			} else {
				fmt.Fprintln(out, "memory store needs no schema")
			}

			msg, err := ensureTransport(ctx, a.cfg)
			if err != nil {
				return err
			}
			if msg != "" {
				fmt.Fprintln(out, msg)
			}
			return nil
		},
	}
}
