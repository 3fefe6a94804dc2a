package main

import (
	"github.com/spf13/cobra"

	"github.com/seantiz/processing/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			return err
		}
		defer db.Close()

		logger.Info("processing: schema ready", "driver", cfg.DBDriver)
		return nil
	},
}
