package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sentinel-agent/alertflow/internal/config"
	"github.com/sentinel-agent/alertflow/internal/gateway"
	"github.com/sentinel-agent/alertflow/internal/storage"
	"github.com/sentinel-agent/alertflow/internal/transport"
)

const ingestConnKey = "ingest"

// newIngestCmd publishes an alert file to the input subject.
func newIngestCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file>",
		Short: "Publish an alert JSON file to the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			alert, err := readAlert(args[0])
			if err != nil {
				return err
			}

			conns := transport.NewRegistry(transport.DialHandler(zerolog.Nop()), zerolog.Nop())
			defer conns.CloseAll()
			conn, err := conns.Get(cmd.Context(), ingestConnKey, cfg.NATS)
			if err != nil {
				return err
			}
			if err := conn.Publish(cmd.Context(), cfg.NATS.InputSubject(), alert); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published %s to %s\n", args[0], cfg.NATS.InputSubject())
			return nil
		},
	}
}

// readAlert loads a JSON object from path.
func readAlert(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var alert map[string]interface{}
	if err := json.Unmarshal(raw, &alert); err != nil {
		return nil, fmt.Errorf("%s is not a JSON object: %w", path, err)
	}
	return alert, nil
}

func newCleanupCmd(load func() (*config.Config, error)) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove persisted artifacts older than --days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if days <= 0 {
				days = cfg.Storage.RetentionDays
			}
			store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DataDir, cfg.Storage.DSN, zerolog.Nop())
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := store.CleanupOlderThan(days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d artifacts older than %d days\n", removed, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "age threshold in days (defaults to storage.retention_days)")
	return cmd
}

// newInitCmd writes a default config and creates the data directories.
func newInitCmd(configPath *string) *cobra.Command {
	var withKey bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration and data directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if _, err := os.Stat(*configPath); err == nil {
				fmt.Fprintf(out, "%s already exists. Delete it to re-initialize.\n", *configPath)
				return nil
			}

			cfg := config.DefaultConfig()
			for _, dir := range []string{cfg.Storage.DataDir, filepath.Dir(cfg.Output.Path), cfg.Inbox.Dir} {
				if dir == "" {
					continue
				}
				if err := os.MkdirAll(dir, 0750); err != nil {
					return fmt.Errorf("creating %s: %w", dir, err)
				}
			}

			var key string
			if withKey {
				var err error
				if key, err = gateway.GenerateAPIKey(); err != nil {
					return err
				}
				if cfg.Web.APIKeyHash, err = gateway.HashAPIKey(key); err != nil {
					return err
				}
			}
			if err := cfg.Save(*configPath); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}

			fmt.Fprintln(out, "AlertFlow initialized")
			fmt.Fprintf(out, "  Config: %s\n", *configPath)
			fmt.Fprintf(out, "  Data:   %s\n", cfg.Storage.DataDir)
			if key != "" {
				fmt.Fprintf(out, "  API key: %s (shown once, only its hash is stored)\n", key)
			}
			fmt.Fprintln(out, "\nRun 'alertflow serve' to start the service.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&withKey, "api-key", false, "generate a control API key")
	return cmd
}
