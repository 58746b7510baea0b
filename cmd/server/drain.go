package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/consignment-ledger/logger"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued writes against the network ledger once",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewSublogger("drain")

		a, err := newApp(conf)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.tracker.Sync(ctx)
		if err != nil {
			log.WithError(err).WithField("remaining", report.Remaining).Error("Drain failed")
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}
