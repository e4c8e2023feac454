package main

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/relief-engine/sla"
)

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sla-sweep",
		Short: "Flag requests open past the SLA window, clear flags on closed ones, and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.SLA.CheckInterval)
			defer cancel()

			res, err := a.scheduler.Monitor.Sweep(ctx)
			if err != nil {
				return err
			}
			a.log.WithFields(logrus.Fields{"flagged": res.Flagged, "cleared": res.Cleared}).Info("sla sweep finished")
			return writeResult(cmd, res)
		},
	}
}

func writeResult(cmd *cobra.Command, res sla.Result) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
