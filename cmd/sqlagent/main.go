// Command sqlagent drives a PostgreSQL database with LLM-generated ad hoc
// queries alongside a fixed steady-state query set.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

var homeFlag string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sqlagent",
		Short:         "LLM-driven synthetic SQL workload generator",
		Long:          `sqlagent asks a language model for SQL that exercises a database schema, executes it through a bounded worker pool and runs a steady-state query set on a timer next to it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if homeFlag != "" {
				_ = os.Setenv("SQLAGENT_HOME", homeFlag)
			}
		},
	}
	root.PersistentFlags().StringVar(&homeFlag, "home", "", "data directory (default $SQLAGENT_HOME or ~/.sqlagent)")
	root.AddCommand(newRunCmd(), newSchemaCmd(), newDoctorCmd(), newInitCmd(), newVersionCmd())
	return root
}

func main() {
	// Existing environment wins over .env.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// fatalStartup logs a structured startup failure with its reason code and
// exits non-zero.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"sqlagent","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
