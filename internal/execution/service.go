package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/seantiz/processing/internal/engine"
	"github.com/seantiz/processing/internal/model"
	"github.com/seantiz/processing/internal/notify"
	"github.com/seantiz/processing/internal/process"
	"github.com/seantiz/processing/internal/processerr"
	"github.com/seantiz/processing/internal/rights"
	"github.com/seantiz/processing/internal/store"
)

var tracer = otel.Tracer("github.com/seantiz/processing/internal/execution")

// Checker validates and persists batch requests. Recheck reports whether the
// caller of an existing batch is still authorized to run it.
type Checker interface {
	CheckAndCreateBatch(ctx context.Context, auth model.Auth, req rights.BatchRequest) (*model.Batch, error)
	Recheck(ctx context.Context, batch *model.Batch) error
}

// Processes resolves process definitions.
type Processes interface {
	Get(id string) (process.Definition, error)
}

// Config holds the execution policy.
type Config struct {
	// WorkdirRoot is the directory under which each execution gets its own
	// workdir.
	WorkdirRoot string

	// TimeoutSafetyFactor scales an execution's timeout before the scan
	// declares it TIMED_OUT.
	TimeoutSafetyFactor float64

	// MinTimeout floors forecast based timeouts.
	MinTimeout time.Duration

	// TimeoutRetries is how many times a timed out execution is launched
	// again for the same batch.
	TimeoutRetries int

	// PersistRetries and PersistBackoff bound the retries of a failing step
	// write.
	PersistRetries uint64
	PersistBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.TimeoutSafetyFactor <= 0 {
		c.TimeoutSafetyFactor = 1
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = 50 * time.Millisecond
	}
	return c
}

// Deps are the collaborators of the service.
type Deps struct {
	Store     store.Store
	Checker   Checker
	Processes Processes
	Engines   *engine.Registry
	Publisher notify.Publisher
}

// Service owns executions: it is the only writer of their step history.
type Service struct {
	store     store.Store
	checker   Checker
	processes Processes
	engines   *engine.Registry
	publisher notify.Publisher
	broker    *StepBroker
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	wg sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc

	submitLocks keyedMutex
}

// NewService creates an execution service.
func NewService(deps Deps, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:     deps.Store,
		checker:   deps.Checker,
		processes: deps.Processes,
		engines:   deps.Engines,
		publisher: deps.Publisher,
		broker:    NewStepBroker(),
		logger:    logger,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		running:   make(map[string]context.CancelFunc),
	}
}

// Broker returns the service's step broker for live subscriptions.
func (s *Service) Broker() *StepBroker {
	return s.broker
}

// Wait blocks until all in-flight executions are consumed.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown cancels every running execution and waits for their consumers,
// or for ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit checks req, persists the batch and launches its first execution.
// Submissions for the same tenant and process are serialized so two requests
// cannot both pass the concurrency quota for the last free slot.
func (s *Service) Submit(ctx context.Context, auth model.Auth, req rights.BatchRequest) (*model.Execution, error) {
	unlock := s.submitLocks.Lock(auth.Tenant + "/" + req.ProcessID)
	defer unlock()

	batch, err := s.checker.CheckAndCreateBatch(ctx, auth, req)
	if err != nil {
		return nil, err
	}
	return s.LaunchExecution(ctx, batch)
}

// LaunchExecution registers a new execution for batch and starts running it
// in the background.
func (s *Service) LaunchExecution(ctx context.Context, batch *model.Batch) (*model.Execution, error) {
	return s.launch(ctx, batch, 1)
}

func (s *Service) launch(ctx context.Context, batch *model.Batch, attempt int) (*model.Execution, error) {
	def, err := s.processes.Get(batch.ProcessID)
	if err != nil {
		return nil, fmt.Errorf("launch execution: %w", err)
	}

	now := s.now().UTC()
	exec := &model.Execution{
		ID:                   model.NewID(),
		BatchID:              batch.ID,
		CorrelationID:        model.NewID(),
		BatchCorrelationID:   batch.CorrelationID,
		Tenant:               batch.Tenant,
		User:                 batch.User,
		ProcessID:            def.ID,
		ProcessName:          def.Name,
		Status:               model.StatusRegistered,
		Timeout:              s.timeoutFor(def, batch),
		InputFiles:           batch.InputFiles,
		Steps:                []model.Step{{Status: model.StatusRegistered, Time: now, Message: "Execution registered"}},
		Attempts:             attempt,
		MayCreateOutputFiles: !def.DiscardOutputFiles,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	executionsLaunched.WithLabelValues(def.ID).Inc()
	s.logger.Info("execution registered",
		"execution_id", exec.ID, "batch_id", batch.ID, "tenant", exec.Tenant,
		"process_id", exec.ProcessID, "timeout", exec.Timeout.String(), "attempt", attempt)

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.running[exec.ID] = cancel
	s.mu.Unlock()

	s.wg.Go(func() {
		defer s.forget(exec.ID)
		if err := s.RunExecutable(runCtx, exec.ID); err != nil {
			s.logger.Error("execution run failed", "execution_id", exec.ID, "error", err)
		}
	})

	return exec, nil
}

// timeoutFor uses the process's explicit timeout or the duration forecast
// for the batch's input size, floored at the configured minimum.
func (s *Service) timeoutFor(def process.Definition, batch *model.Batch) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout
	}
	return max(def.ExpectedDuration(batch.InputFiles.TotalSize()), s.cfg.MinTimeout)
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	cancel, ok := s.running[id]
	delete(s.running, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
	s.broker.Forget(id)
}

func (s *Service) cancelRun(id string) {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// RunExecutable resolves the engine of the execution's process, runs the
// process's executable on it and persists the steps it reports, one at a
// time and in order. Failures to resolve or start the engine become a
// FAILURE step.
func (s *Service) RunExecutable(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "execution.RunExecutable")
	defer span.End()
	span.SetAttributes(attribute.String("execution_id", id))

	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("load execution: %w", err)
	}
	if exec.IsTerminal() {
		return nil
	}
	span.SetAttributes(
		attribute.String("tenant", exec.Tenant),
		attribute.String("process_id", exec.ProcessID),
	)

	batch, err := s.store.GetBatch(ctx, exec.BatchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}

	def, err := s.processes.Get(exec.ProcessID)
	if err != nil {
		return s.failRun(ctx, exec, processerr.New(processerr.EngineResolution, "cannot resolve process "+exec.ProcessID, err))
	}
	eng, err := s.engines.Resolve(def.EngineName)
	if err != nil {
		return s.failRun(ctx, exec, processerr.New(processerr.EngineResolution, "cannot resolve engine "+def.EngineName, err))
	}

	ec := engine.NewExecutionContext(*exec, *batch, filepath.Join(s.cfg.WorkdirRoot, exec.ID))
	events, err := eng.Run(ctx, ec, def.Executable)
	if err != nil {
		return s.failRun(ctx, exec, processerr.New(processerr.ExecutableFailure, "cannot start "+eng.Name()+" engine", err))
	}

	executionsRunning.Inc()
	defer executionsRunning.Dec()

	done := false
	for ev := range events {
		if done {
			// The execution is final; keep draining so the engine can finish.
			s.discard(exec.ID, ev.Step, "after_final")
			continue
		}
		done = s.handleEvent(ctx, exec, ev)
	}
	return nil
}

// failRun records err as the FAILURE step of exec.
func (s *Service) failRun(ctx context.Context, exec *model.Execution, err *processerr.Error) error {
	s.logger.Error("execution failed before running",
		"execution_id", exec.ID, "incident_id", err.IncidentID, "error", err)
	_, termErr := s.terminate(ctx, exec, model.StatusFailure, err.Error(), err.IncidentID)
	if termErr != nil && !errors.Is(termErr, store.ErrExecutionTerminal) {
		return termErr
	}
	return nil
}

// handleEvent persists one reported step and reports whether consumption of
// the execution is over.
func (s *Service) handleEvent(ctx context.Context, exec *model.Execution, ev engine.Event) bool {
	step := ev.Step
	outputs := ev.OutputFiles
	if step.Status == model.StatusSuccess && len(outputs) > 0 && !exec.MayCreateOutputFiles {
		s.logger.Warn("dropping output files of an execution that may not create any",
			"execution_id", exec.ID, "count", len(outputs))
		outputs = nil
	}

	stored, err := s.appendStep(ctx, exec.ID, step, outputs)
	switch {
	case errors.Is(err, store.ErrExecutionTerminal):
		s.discard(exec.ID, step, "terminal")
		s.cancelRun(exec.ID)
		return true
	case errors.Is(err, store.ErrInvalidTransition):
		s.logger.Warn("discarding step with invalid transition",
			"execution_id", exec.ID, "status", step.Status, "error", err)
		stepsDiscarded.WithLabelValues("invalid_transition").Inc()
		return false
	case err != nil:
		pe := processerr.New(processerr.PersistExecutionStep,
			fmt.Sprintf("cannot persist %s step", step.Status), err)
		s.logger.Error("step persistence failed",
			"execution_id", exec.ID, "status", step.Status, "incident_id", pe.IncidentID, "error", err)
		s.cancelRun(exec.ID)
		if _, termErr := s.terminate(ctx, exec, model.StatusFailure, pe.Error(), pe.IncidentID); termErr != nil {
			s.logger.Error("could not record step persistence failure",
				"execution_id", exec.ID, "incident_id", pe.IncidentID, "error", termErr)
		}
		return true
	}

	s.broker.Publish(exec.ID, stored)
	s.logger.Debug("step persisted",
		"execution_id", exec.ID, "seq", stored.Seq, "status", stored.Status)
	if !stored.IsFinal() {
		return false
	}
	s.finish(ctx, exec, stored, outputs, ev.IncidentID)
	return true
}

func (s *Service) discard(id string, step model.Step, reason string) {
	stepsDiscarded.WithLabelValues(reason).Inc()
	s.logger.Warn("discarding late step",
		"execution_id", id, "status", step.Status, "message", step.Message)
}

// appendStep writes a step with bounded retries. Terminal executions,
// invalid transitions and unknown executions are not retried.
func (s *Service) appendStep(ctx context.Context, id string, step model.Step, outputs []model.OutputFile) (model.Step, error) {
	// Steps are persisted even when the run itself was cancelled.
	ctx = context.WithoutCancel(ctx)

	var stored model.Step
	policy := retry.WithMaxRetries(s.cfg.PersistRetries, retry.NewExponential(s.cfg.PersistBackoff))
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		stored, err = s.store.AppendStep(ctx, id, step, outputs)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrExecutionTerminal),
			errors.Is(err, store.ErrInvalidTransition),
			errors.Is(err, store.ErrNotFound):
			return err
		}
		s.logger.Warn("retrying step persistence", "execution_id", id, "status", step.Status, "error", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		return stored, err
	}
	stepsPersisted.WithLabelValues(string(stored.Status)).Inc()
	return stored, nil
}

// terminate appends a final step that does not come from the executable.
func (s *Service) terminate(ctx context.Context, exec *model.Execution, status model.Status, message, incidentID string) (model.Step, error) {
	stored, err := s.appendStep(ctx, exec.ID, model.NewStep(status, message), nil)
	if err != nil {
		return stored, err
	}
	s.broker.Publish(exec.ID, stored)
	s.finish(ctx, exec, stored, nil, incidentID)
	return stored, nil
}

// finish runs once per execution, right after its final step was stored.
func (s *Service) finish(ctx context.Context, exec *model.Execution, final model.Step, outputs []model.OutputFile, incidentID string) {
	s.broker.Close(exec.ID)

	executionsFinished.WithLabelValues(exec.ProcessID, string(final.Status)).Inc()
	executionDuration.WithLabelValues(exec.ProcessID, string(final.Status)).
		Observe(final.Time.Sub(exec.CreatedAt).Seconds())

	s.logger.Info("execution finished",
		"execution_id", exec.ID, "tenant", exec.Tenant, "process_id", exec.ProcessID,
		"status", final.Status, "output_files", len(outputs), "incident_id", incidentID)

	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(context.WithoutCancel(ctx), notify.Result{
		ExecutionID:        exec.ID,
		BatchID:            exec.BatchID,
		CorrelationID:      exec.CorrelationID,
		BatchCorrelationID: exec.BatchCorrelationID,
		Tenant:             exec.Tenant,
		User:               exec.User,
		ProcessID:          exec.ProcessID,
		Status:             final.Status,
		Message:            final.Message,
		IncidentID:         incidentID,
		OutputFiles:        outputs,
		Time:               final.Time,
	})
	if err != nil {
		pe := processerr.New(processerr.SendExecutionResult, "cannot send result of execution "+exec.ID, err)
		s.logger.Error("result notification failed",
			"execution_id", exec.ID, "incident_id", pe.IncidentID, "error", err)
	}
}

// Cancel records a CANCELLED step and stops the executable.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*model.Execution, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.IsTerminal() {
		return nil, store.ErrExecutionTerminal
	}
	if reason == "" {
		reason = "Execution cancelled"
	}
	if _, err := s.terminate(ctx, exec, model.StatusCancelled, reason, ""); err != nil {
		return nil, err
	}
	s.cancelRun(id)
	return s.store.GetExecution(ctx, id)
}

// Get returns an execution with its step history.
func (s *Service) Get(ctx context.Context, id string) (*model.Execution, error) {
	return s.store.GetExecution(ctx, id)
}

// Search returns a page of executions for monitoring.
func (s *Service) Search(ctx context.Context, f store.ExecutionFilter) ([]*model.Execution, int, error) {
	return s.store.SearchExecutions(ctx, f)
}
