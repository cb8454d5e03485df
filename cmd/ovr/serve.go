package main

import (
	"gama-ovr/core/appbootstrap"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background workers",
	RunE: withApp(func(cmd *cobra.Command, app *appbootstrap.App) error {
		return app.Serve(cmd.Context())
	}),
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
