package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/n-kumar7/sqlagent/internal/otel"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sqlagent version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sqlagent %s (telemetry %s)\n", Version, otel.Version)
		},
	}
}
