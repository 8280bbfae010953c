// AlertFlow - security alert pipeline control service.
// Main entry point with CLI interface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sentinel-agent/alertflow/internal/config"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

const defaultConfigPath = "alertflow.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "alertflow",
		Short:        "AlertFlow - security alert pipeline control service",
		Long:         "AlertFlow tracks security alerts through the analysis pipeline, records every stage transition and publishes progress to the bus.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML config file")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config %s: %w", configPath, err)
		}
		return cfg, nil
	}

	root.AddCommand(
		newServeCmd(load),
		newIngestCmd(load),
		newCleanupCmd(load),
		newInitCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "AlertFlow %s (built %s)\n", Version, BuildTime)
		},
	}
}
