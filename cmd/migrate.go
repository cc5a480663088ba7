package cmd

import (
	"fmt"

	"github.com/jmehdipour/flowhub/internal/app"
	"github.com/jmehdipour/flowhub/internal/db"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		store, err := app.OpenStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		results, err := db.MigrateUp(cmd.Context(), store)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), ">> Schema is up to date")
			return nil
		}
		for _, r := range results {
			fmt.Fprintf(cmd.OutOrStdout(), ">> Applied %05d %s\n", r.Version, r.Path)
		}
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		store, err := app.OpenStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		res, err := db.MigrateDown(cmd.Context(), store)
		if err != nil {
			return err
		}
		if res == nil {
			fmt.Fprintln(cmd.OutOrStdout(), ">> Nothing to roll back")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), ">> Rolled back %05d %s\n", res.Version, res.Path)
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		store, err := app.OpenStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		v, err := db.SchemaVersion(cmd.Context(), store)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s schema version %d\n", cfg.Database.Driver, v)
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}
