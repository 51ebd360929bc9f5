package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/n-kumar7/sqlagent/internal/config"
	"github.com/n-kumar7/sqlagent/internal/db"
	"github.com/n-kumar7/sqlagent/internal/doctor"
)

var errChecksFailed = errors.New("one or more checks failed")

func newDoctorCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run preflight checks against the configuration, database and provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "config: %v\n", err)
			}
			diag := doctor.Run(cmd.Context(), &cfg, doctor.Options{Version: Version, Ping: pingDatabase})

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(diag); err != nil {
					return err
				}
			} else {
				printDiagnosis(out, diag)
			}
			if diag.Failed() {
				return errChecksFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	return cmd
}

func pingDatabase(ctx context.Context, cfg config.Config) error {
	opts := dbOptions(cfg)
	opts.MaxConns = 1
	pool, err := db.Open(ctx, opts)
	if err != nil {
		return err
	}
	pool.Close()
	return nil
}

func printDiagnosis(w io.Writer, d doctor.Diagnosis) {
	fmt.Fprintf(w, "sqlagent doctor (%s)\n", d.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "system: %s/%s (%s)\n\n", d.System.OS, d.System.Arch, d.System.Go)
	rows := pterm.TableData{{"check", "status", "message"}}
	for _, r := range d.Results {
		msg := r.Message
		if r.Detail != "" {
			msg += " (" + r.Detail + ")"
		}
		rows = append(rows, []string{r.Name, r.Status, msg})
	}
	_ = pterm.DefaultTable.WithWriter(w).WithHasHeader().WithData(rows).Render()
}
