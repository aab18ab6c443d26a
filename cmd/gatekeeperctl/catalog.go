package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
	"github.com/odyssey-erp/gatekeeper/internal/platform/db"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect and publish the permission catalog",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate <seed.yaml>",
	Short: "Check a catalog seed file without touching the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seed, err := catalog.NewFileSource(args[0]).Load(cmd.Context())
		if err != nil {
			return err
		}
		c, err := catalog.FromSeed(seed)
		if err != nil {
			return err
		}
		view := c.View()
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d permissions, %d add-ons\n", args[0], view.Len(), len(view.AddOns()))
		return nil
	},
}

var catalogSeedCmd = &cobra.Command{
	Use:   "seed <seed.yaml>",
	Short: "Publish a catalog seed file to PostgreSQL (additive only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := requireDSN()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		seed, err := catalog.NewFileSource(args[0]).Load(ctx)
		if err != nil {
			return err
		}
		pool, err := db.New(ctx, raw, db.Options{MaxConns: 2})
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := catalog.NewPostgresSource(pool).Sync(ctx, seed); err != nil {
			return fmt.Errorf("sync catalog: %w", err)
		}
		cmd.Printf("Published %d permissions and %d add-ons\n", len(seed.Permissions), len(seed.AddOns))
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogValidateCmd, catalogSeedCmd)
	rootCmd.AddCommand(catalogCmd)
}
