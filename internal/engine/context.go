package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/seantiz/processing/internal/model"
)

// ErrStreamClosed is returned when an executable sends a step after its
// final step.
var ErrStreamClosed = errors.New("step stream already closed by a final step")

// ErrNoSink is returned when a step is sent before an engine attached a sink.
var ErrNoSink = errors.New("execution context has no step sink")

// Sink receives the step events of one execution.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Send(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// ExecutionContext is everything an executable gets to know about its run.
type ExecutionContext struct {
	Execution model.Execution
	Batch     model.Batch
	Workdir   string

	mu       sync.Mutex
	sink     Sink
	lastTime time.Time
	final    bool
	outputs  []model.OutputFile
}

// NewExecutionContext builds the context for one execution run. Steps sent
// through it never go back before the last step exec already holds.
func NewExecutionContext(exec model.Execution, batch model.Batch, workdir string) *ExecutionContext {
	ec := &ExecutionContext{
		Execution: exec,
		Batch:     batch,
		Workdir:   workdir,
	}
	if n := len(exec.Steps); n > 0 {
		ec.lastTime = exec.Steps[n-1].Time
	}
	return ec
}

// Attach binds the sink the engine consumes steps from.
func (ec *ExecutionContext) Attach(s Sink) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.sink = s
}

// InputDir is where input files are downloaded.
func (ec *ExecutionContext) InputDir() string {
	return filepath.Join(ec.Workdir, "input")
}

// OutputDir is where executables leave the files they produce.
func (ec *ExecutionContext) OutputDir() string {
	return filepath.Join(ec.Workdir, "output")
}

// Parameters returns the user supplied parameters of the batch.
func (ec *ExecutionContext) Parameters() map[string]string {
	return ec.Batch.Parameters
}

// Inputs returns the execution's input files.
func (ec *ExecutionContext) Inputs() model.InputFiles {
	return ec.Execution.InputFiles
}

// AddOutputFiles records stored output files so a later stage can report
// them with the SUCCESS step.
func (ec *ExecutionContext) AddOutputFiles(files ...model.OutputFile) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.outputs = append(ec.outputs, files...)
}

// OutputFiles returns the output files recorded so far.
func (ec *ExecutionContext) OutputFiles() []model.OutputFile {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return append([]model.OutputFile(nil), ec.outputs...)
}

// FinalSent reports whether a final step went through the sink.
func (ec *ExecutionContext) FinalSent() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.final
}

// Send pushes ev to the sink. Steps are stamped so their times never go
// backwards, and nothing is accepted after a final step.
func (ec *ExecutionContext) Send(ctx context.Context, ev Event) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if ec.sink == nil {
		return ErrNoSink
	}
	if ec.final {
		return ErrStreamClosed
	}
	if ev.Step.Time.IsZero() {
		ev.Step.Time = time.Now().UTC()
	}
	if ev.Step.Time.Before(ec.lastTime) {
		ev.Step.Time = ec.lastTime
	}

	// The lock is held across the send so concurrent senders cannot reorder
	// steps between stamping and delivery.
	if err := ec.sink.Send(ctx, ev); err != nil {
		return err
	}
	ec.lastTime = ev.Step.Time
	ec.final = ev.Step.IsFinal()
	return nil
}

// Prepare sends a PREPARE step.
func (ec *ExecutionContext) Prepare(ctx context.Context, message string) error {
	return ec.Send(ctx, Event{Step: model.NewStep(model.StatusPrepare, message)})
}

// Running sends a RUNNING step.
func (ec *ExecutionContext) Running(ctx context.Context, message string) error {
	return ec.Send(ctx, Event{Step: model.NewStep(model.StatusRunning, message)})
}

// Cleanup sends a CLEANUP step.
func (ec *ExecutionContext) Cleanup(ctx context.Context, message string) error {
	return ec.Send(ctx, Event{Step: model.NewStep(model.StatusCleanup, message)})
}

// Success sends the final SUCCESS step with the produced files.
func (ec *ExecutionContext) Success(ctx context.Context, message string, outputs ...model.OutputFile) error {
	return ec.Send(ctx, Event{Step: model.NewStep(model.StatusSuccess, message), OutputFiles: outputs})
}

// Failure sends the final FAILURE step.
func (ec *ExecutionContext) Failure(ctx context.Context, message, incidentID string) error {
	return ec.Send(ctx, Event{Step: model.NewStep(model.StatusFailure, message), IncidentID: incidentID})
}
