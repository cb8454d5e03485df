package main

import (
	"context"
	"errors"

	"gama-ovr/config"
	"gama-ovr/core/appbootstrap"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "ovr",
	Short:        "Occurrence variance reporting service",
	Long:         "Incident reporting and review workflow for hospital occurrence variance reports.",
	SilenceUsage: true,
}

func Execute(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	return rootCmd.ExecuteContext(ctx)
}

// withApp opens the configured database for the duration of one command.
func withApp(run func(cmd *cobra.Command, app *appbootstrap.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		app, err := appbootstrap.Open(cfgFile)
		if err != nil {
			return err
		}
		defer app.Close()
		return run(cmd, app)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "Config file path")
	rootCmd.SetUsageTemplate(rootCmd.UsageTemplate() + "\nEnvironment:\n" + config.Usage() + "\n")
}
