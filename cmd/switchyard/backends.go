package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newBackendsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "Show the backend inventory",
		Long: `Show every backend in the inventory with its kind, endpoint and limits.

With -o yaml the output is itself a valid inventory file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter, err := newFormatter(v)
			if err != nil {
				return err
			}
			_, backends, err := loadBackends(v)
			if err != nil {
				return err
			}

			out, err := formatter.FormatBackends(backends)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}
