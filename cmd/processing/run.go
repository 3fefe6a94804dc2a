package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/seantiz/processing/internal/model"
	"github.com/seantiz/processing/internal/rights"
	"github.com/seantiz/processing/internal/storage"
)

var runOpts struct {
	processID     string
	correlationID string
	tenant        string
	user          string
	role          string
	dataset       string
	inputs        []string
	params        map[string]string
	wait          time.Duration
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit one batch, wait for its execution and print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		inputs, err := parseInputs(runOpts.inputs, runOpts.dataset)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		if runOpts.wait > 0 {
			ctx, cancel = context.WithTimeout(ctx, runOpts.wait)
			defer cancel()
		}

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		sched, err := a.scheduler()
		if err != nil {
			return multierr.Append(err, a.close(context.Background()))
		}
		schedCtx, stopSched := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Go(func() { sched.Run(schedCtx) })

		exec, runErr := submitAndWait(ctx, a, model.Auth{
			Tenant: runOpts.tenant,
			User:   runOpts.user,
			Role:   runOpts.role,
		}, rights.BatchRequest{
			CorrelationID: runOpts.correlationID,
			ProcessID:     runOpts.processID,
			Parameters:    runOpts.params,
			InputFiles:    inputs,
		})

		stopSched()
		wg.Wait()
		runErr = multierr.Append(runErr, a.close(context.Background()))
		if exec != nil {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			runErr = multierr.Append(runErr, enc.Encode(exec))
		}
		return runErr
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runOpts.processID, "process", "p", "copy", "Process to run")
	f.StringVar(&runOpts.correlationID, "correlation-id", "", "Correlation id of the batch (default: generated)")
	f.StringVar(&runOpts.tenant, "tenant", "default", "Tenant of the caller")
	f.StringVar(&runOpts.user, "user", os.Getenv("USER"), "Caller")
	f.StringVar(&runOpts.role, "role", "ADMIN", "Role of the caller")
	f.StringVar(&runOpts.dataset, "dataset", "", "Dataset of the input files")
	f.StringArrayVarP(&runOpts.inputs, "input", "i", nil, "Input file URL, optionally prefixed with name= (repeatable)")
	f.StringToStringVar(&runOpts.params, "param", nil, "Process parameter as name=value (repeatable)")
	f.DurationVar(&runOpts.wait, "wait", 0, "Give up after this long (0 waits until the execution ends)")
}

// parseInputs turns "[name=]url" arguments into input files. Local files
// get their size from the file system.
func parseInputs(args []string, dataset string) (model.InputFiles, error) {
	var files model.InputFiles
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || strings.Contains(name, "://") {
			name, raw = "", arg
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			return nil, fmt.Errorf("input %q is not a URL", arg)
		}
		if name == "" {
			name = path.Base(u.Path)
		}
		in := model.InputFile{Name: name, URL: raw, Dataset: dataset}
		if u.Scheme == storage.SchemeFile {
			info, err := os.Stat(u.Path)
			if err != nil {
				return nil, fmt.Errorf("input %q: %w", arg, err)
			}
			in.Size = info.Size()
		}
		files = append(files, in)
	}
	return files, nil
}

// submitAndWait submits req and follows the steps of its execution until
// the final one.
func submitAndWait(ctx context.Context, a *app, auth model.Auth, req rights.BatchRequest) (*model.Execution, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = model.NewID()
	}
	exec, err := a.executions.Submit(ctx, auth, req)
	if err != nil {
		return nil, err
	}
	a.logger.Info("batch submitted", "execution_id", exec.ID, "batch_id", exec.BatchID)

	steps, unsub := a.executions.Broker().Subscribe(exec.ID)
	defer unsub()

	for {
		current, err := a.executions.Get(context.WithoutCancel(ctx), exec.ID)
		if err != nil {
			return exec, err
		}
		if current.IsTerminal() {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case _, ok := <-steps:
			if !ok {
				steps = nil
			}
		case <-time.After(time.Second):
		}
	}
}
