package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the audit configuration",
	}

	cmd.AddCommand(
		newConfigViewCommand(),
		newConfigValidateCommand(),
	)

	return cmd
}

func newConfigViewCommand() *cobra.Command {
	var showSecrets bool

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			data, err := rt.cfg.Marshal(showSecrets)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprint(rt.Writer(), string(data))
			return nil
		},
	}

	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print secrets in clear text")
	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			if err := rt.cfg.Validate(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(rt.Writer(), "configuration %s is valid\n", rt.configPath)
			return nil
		},
	}
}
