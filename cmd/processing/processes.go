package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/processing/internal/config"
	"github.com/seantiz/processing/internal/engine"
	"github.com/seantiz/processing/internal/executable"
	"github.com/seantiz/processing/internal/forecast"
	"github.com/seantiz/processing/internal/process"
	"github.com/seantiz/processing/internal/storage"
)

// registerProcesses declares the processes this deployment offers.
func registerProcesses(reg *process.Registry, cfg config.Config, st *storage.Router, logger *slog.Logger) error {
	copyDef := process.Definition{
		ID:               "copy",
		Name:             "Copy input files",
		EngineName:       engine.JobsEngineName,
		SizeForecast:     forecast.MultiplierResultSizeForecast{Factor: 1},
		DurationForecast: forecast.MultiplierRunningDurationForecast{MillisPerByte: 0.001},
		Executable: executable.Standard(executable.Copy(), st, st,
			executable.WithLogger(logger),
			executable.WithMessages("Load input files into workdir", "Copy input files", "Input files copied")),
	}
	if err := reg.Register(copyDef); err != nil {
		return err
	}

	if cfg.ShellScript == "" {
		return nil
	}
	env, err := executable.ParseEnv(cfg.ShellEnv)
	if err != nil {
		return fmt.Errorf("shell process environment: %w", err)
	}
	shellDef := process.Definition{
		ID:               "shell",
		Name:             "Shell script " + cfg.ShellScript,
		EngineName:       engine.JobsEngineName,
		SizeForecast:     forecast.MultiplierResultSizeForecast{Factor: 1},
		DurationForecast: forecast.AbsoluteRunningDurationForecast{Duration: 10 * time.Minute},
		Executable: executable.Standard(
			executable.Shell(executable.ShellScript{Path: cfg.ShellScript, Env: env}, logger),
			st, st, executable.WithLogger(logger)),
	}
	return reg.Register(shellDef)
}
