package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/consignment-ledger/api"
	"github.com/warp/consignment-ledger/logger"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve the consignment API and drain the sync queue in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewSublogger("server")

		a, err := newApp(conf)
		if err != nil {
			return err
		}
		defer a.Close()

		handler := api.NewHandler(a.tracker, a.monitor, a.served)
		router := api.NewRouter(handler, api.RouterOptions{
			Records:  a.records,
			Registry: a.registry,
		})

		scheduler := api.NewDrainScheduler(a.tracker)
		scheduler.Interval = conf.Sync.Interval
		scheduler.Start()
		defer scheduler.Stop()

		server := &http.Server{
			Addr:         conf.ListenAddress,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		errc := make(chan error, 1)
		go func() {
			log.WithField("addr", conf.ListenAddress).
				WithField("in_process_ledger", a.served != nil).
				Info("Server starting")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}

		log.Info("Shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), conf.StopTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Server forced to shutdown")
			return err
		}

		log.Info("Server stopped")
		return nil
	},
}
