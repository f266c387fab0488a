package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the outbox schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.connectPostgres(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Migrate(cmd.Context()); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "outbox schema is up to date")

			return nil
		},
	}
}
