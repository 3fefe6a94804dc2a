package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/seantiz/processing/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the processing engine and its monitoring API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		logger.Info("processing: starting",
			"listen_addr", cfg.ListenAddr,
			"db_driver", cfg.DBDriver,
			"storage", cfg.Storage.Backend,
		)

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}

		sched, err := a.scheduler()
		if err != nil {
			return multierr.Append(err, a.close(context.Background()))
		}
		var wg sync.WaitGroup
		wg.Go(func() { sched.Run(ctx) })

		srv := api.NewServer(cfg.ListenAddr, api.Deps{
			Executions:  a.executions,
			OutputFiles: a.outputs,
			Engines:     a.engines,
			Processes:   a.processes,
			Health:      map[string]api.Pinger{"store": a.store},
		}, logger)
		runErr := srv.Run(ctx)

		cancel()
		wg.Wait()
		closeErr := a.close(context.Background())
		logger.Info("processing: stopped")
		return multierr.Append(runErr, closeErr)
	},
}
