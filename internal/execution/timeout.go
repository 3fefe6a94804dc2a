package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/seantiz/processing/internal/model"
	"github.com/seantiz/processing/internal/processerr"
	"github.com/seantiz/processing/internal/rights"
	"github.com/seantiz/processing/internal/store"
)

// ScheduledTimeoutNotify marks every active execution that outlived its
// scaled timeout as TIMED_OUT and stops its executable. Executions are
// handled one by one; a failure on one does not stop the scan. When retries
// are configured, a timed out execution is launched again for the same
// batch.
func (s *Service) ScheduledTimeoutNotify(ctx context.Context) error {
	execs, err := s.store.ListActiveExecutions(ctx)
	if err != nil {
		return processerr.New(processerr.NotifyTimeout, "cannot list active executions", err)
	}

	now := s.now()
	s.logger.Debug("timeout scan", "active", len(execs))

	var errs error
	for _, exec := range execs {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if !exec.TimedOutAt(now, s.cfg.TimeoutSafetyFactor) {
			continue
		}
		if err := s.timeOut(ctx, exec); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (s *Service) timeOut(ctx context.Context, exec *model.Execution) error {
	limit := time.Duration(float64(exec.Timeout) * s.cfg.TimeoutSafetyFactor)
	msg := fmt.Sprintf("Execution timed out: no progress for more than %s", limit)

	_, err := s.terminate(ctx, exec, model.StatusTimedOut, msg, "")
	if errors.Is(err, store.ErrExecutionTerminal) {
		// finished between the scan and the update
		return nil
	}
	if err != nil {
		pe := processerr.New(processerr.NotifyTimeout, "cannot time out execution "+exec.ID, err)
		s.logger.Error("timeout notification failed",
			"execution_id", exec.ID, "incident_id", pe.IncidentID, "error", err)
		return pe
	}

	executionsTimedOut.Inc()
	s.cancelRun(exec.ID)
	s.logger.Warn("execution timed out",
		"execution_id", exec.ID, "timeout", exec.Timeout.String(), "attempt", exec.Attempts)

	if exec.Attempts > s.cfg.TimeoutRetries {
		return nil
	}
	return s.retry(ctx, exec)
}

func (s *Service) retry(ctx context.Context, exec *model.Execution) error {
	batch, err := s.store.GetBatch(ctx, exec.BatchID)
	if err != nil {
		return fmt.Errorf("retry execution %s: load batch: %w", exec.ID, err)
	}

	if err := s.checker.Recheck(ctx, batch); err != nil {
		if v, ok := rights.AsViolation(err); ok {
			s.logger.Warn("timed out execution not retried",
				"execution_id", exec.ID, "batch_id", batch.ID, "reason", v.Reason, "message", v.Message)
			return nil
		}
		return fmt.Errorf("retry execution %s: recheck rights: %w", exec.ID, err)
	}

	unlock := s.submitLocks.Lock(batch.Tenant + "/" + batch.ProcessID)
	defer unlock()

	next, err := s.launch(ctx, batch, exec.Attempts+1)
	if err != nil {
		return fmt.Errorf("retry execution %s: %w", exec.ID, err)
	}
	s.logger.Info("timed out execution retried",
		"execution_id", exec.ID, "retry_execution_id", next.ID, "attempt", next.Attempts)
	return nil
}
