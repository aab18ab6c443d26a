// Command gatekeeperctl administers a gatekeeper deployment: schema
// migrations, the permission catalog and admin tokens.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var dsn string

var rootCmd = &cobra.Command{
	Use:           "gatekeeperctl",
	Short:         "Administer the gatekeeper permission engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("PG_DSN"), "PostgreSQL DSN (defaults to $PG_DSN)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func requireDSN() (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("--dsn or PG_DSN is required")
	}
	return dsn, nil
}
