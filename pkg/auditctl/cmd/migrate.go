package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the audit table and its indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			s, err := rt.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(rt.Writer(), "audit table %s is up to date\n", s.Table())
			return nil
		},
	}
}
