package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/processing/internal/config"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:           "processing",
	Short:         "Run user-selected processes against ordered data files",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runCmd)

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional file of PROCESSING_* variables")
}

// loadConfig reads the configuration and builds the logger.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, config.NewLogger(os.Stdout, cfg.LogLevel), nil
}
