package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/n-kumar7/sqlagent/internal/config"
	"github.com/n-kumar7/sqlagent/internal/db"
	"github.com/n-kumar7/sqlagent/internal/schema"
)

func newSchemaCmd() *cobra.Command {
	var prompt bool
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Show the tables and columns the agent will prompt with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DB.DSN == "" {
				return config.ErrMissingDSN
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			opts := dbOptions(cfg)
			opts.MaxConns = 1
			pool, err := db.Open(ctx, opts)
			if err != nil {
				return err
			}
			defer pool.Close()

			snap, err := db.NewCatalog(pool).Snapshot(ctx)
			if err != nil {
				return fmt.Errorf("capture schema: %w", err)
			}
			if prompt {
				fmt.Fprintln(cmd.OutOrStdout(), snap.Format())
				return nil
			}
			return renderSchema(cmd.OutOrStdout(), snap)
		},
	}
	cmd.Flags().BoolVar(&prompt, "prompt", false, "print the schema text exactly as it appears in prompts")
	return cmd
}

func renderSchema(w io.Writer, snap *schema.Snapshot) error {
	if snap.Len() == 0 {
		fmt.Fprintln(w, "no user tables visible")
		return nil
	}
	return pterm.DefaultTable.
		WithWriter(w).
		WithHasHeader().
		WithData(schemaRows(snap)).
		Render()
}

// schemaRows flattens a snapshot into table/column/type rows with a header.
// The table name is only printed on its first column.
func schemaRows(snap *schema.Snapshot) pterm.TableData {
	rows := pterm.TableData{{"table", "column", "type"}}
	for _, table := range snap.Tables() {
		for i, col := range snap.Columns(table) {
			name := ""
			if i == 0 {
				name = table
			}
			rows = append(rows, []string{name, col.Name, col.Type})
		}
	}
	return rows
}
