package main

import (
	"github.com/spf13/cobra"

	"github.com/warp/relief-engine/config"
)

type rootOptions struct {
	port   int
	dbPath string
	driver string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "relief-engine",
		Short:        "Relief allocation and complaint routing engine",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().IntVar(&opts.port, "port", 0, "HTTP port (overrides PORT)")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides DB_PATH)")
	cmd.PersistentFlags().StringVar(&opts.driver, "driver", "", "store driver: sqlite, postgres or memory (overrides DB_DRIVER)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newSweepCmd(opts))
	return cmd
}

// load reads the environment and applies flag overrides.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.dbPath != "" {
		cfg.Database.Path = o.dbPath
	}
	if o.driver != "" {
		cfg.Database.Driver = o.driver
	}
	return cfg, cfg.Validate()
}
