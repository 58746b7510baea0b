/*
main.go - Application entry point

PURPOSE:
  Command line of the consignment ledger. Loads configuration, wires the
  ledger clients, the sync queue and the tracker, then runs a command.

COMMANDS:
  server   Serve the HTTP API until SIGINT/SIGTERM
  drain    Replay the sync queue once and exit

FLAGS:
  --config   JSON configuration file (optional, env overrides apply)

ENVIRONMENT:
  Every configuration key can be set as CONSIGNMENT_<SECTION>_<KEY>,
  e.g. CONSIGNMENT_LEDGER_URL, CONSIGNMENT_SYNC_MAX_RETRIES.

EXAMPLES:
  # In-process ledger and record store, file database
  ./server server

  # Remote ledger, custom config
  CONSIGNMENT_LEDGER_URL=http://ledger:8080 ./server server --config=prod.json

  # One-shot replay from cron
  ./server drain

SEE ALSO:
  - app.go: Dependency wiring
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/warp/consignment-ledger/config"
	"github.com/warp/consignment-ledger/logger"
)

var (
	rootCmd = &cobra.Command{
		Use:   "consignment-ledger",
		Short: "Consignment tracking on an append-only event ledger",

		// All child commands will use this
		PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
			// Setup a context that gets cancelled upon SIGINT
			ctx, cancel = context.WithCancel(context.Background())

			signalChannel = make(chan os.Signal, 1)
			signal.Notify(signalChannel, os.Interrupt, syscall.SIGTERM)
			go func() {
				select {
				case <-signalChannel:
					cancel()
				case <-ctx.Done():
				}
			}()

			// Load configuration
			conf, err = config.Load(cfgFile)
			if err != nil {
				return
			}

			// Setup logging
			return logger.Init(conf)
		},

		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			signal.Stop(signalChannel)
			cancel()
			return nil
		},
		SilenceUsage: true,
	}

	// Configuration
	conf    *config.Config
	cfgFile string

	// Context setup
	ctx           context.Context
	cancel        context.CancelFunc
	signalChannel chan os.Signal
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file path")
	rootCmd.AddCommand(serverCmd, drainCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
