package main

import (
	"fmt"

	"gama-ovr/core/appbootstrap"
	"gama-ovr/core/store"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: withApp(func(cmd *cobra.Command, app *appbootstrap.App) error {
		if err := app.Migrate(cmd.Context()); err != nil {
			return err
		}
		version, err := store.SchemaVersion(cmd.Context(), app.DB)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
		return err
	}),
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
