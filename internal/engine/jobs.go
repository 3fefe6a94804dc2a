package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/processing/internal/model"
	"github.com/seantiz/processing/internal/processerr"
)

// JobsEngineName is the engine name of the in-process jobs engine.
const JobsEngineName = "JOBS"

// defaultEventBuffer bounds the number of steps an executable can push ahead
// of the consumer before Send blocks.
const defaultEventBuffer = 16

// errNoFinalStep is reported when an executable returns without a final step.
var errNoFinalStep = errors.New("executable returned without a final step")

// JobsEngine runs each executable in its own goroutine inside the process.
type JobsEngine struct {
	logger *slog.Logger
	buffer int
}

// NewJobsEngine creates the in-process jobs engine.
func NewJobsEngine(logger *slog.Logger) *JobsEngine {
	return &JobsEngine{logger: logger, buffer: defaultEventBuffer}
}

func (j *JobsEngine) Name() string {
	return JobsEngineName
}

// Run starts exe and returns its step stream. Errors and panics of the
// executable become a FAILURE step unless a final step was already sent.
func (j *JobsEngine) Run(ctx context.Context, ec *ExecutionContext, exe Executable) (<-chan Event, error) {
	if exe == nil {
		return nil, errors.New("nil executable")
	}

	events := make(chan Event, j.buffer)
	ec.Attach(SinkFunc(func(ctx context.Context, ev Event) error {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	go func() {
		defer close(events)

		err := j.execute(ctx, ec, exe)
		if ec.FinalSent() {
			if err != nil {
				j.logger.Warn("executable error after final step",
					"execution_id", ec.Execution.ID, "error", err)
			}
			return
		}
		if err == nil {
			err = errNoFinalStep
		}

		msg, incident := processerr.Describe(err)
		j.logger.Error("executable failed",
			"execution_id", ec.Execution.ID, "incident_id", incident, "error", err)

		ev := Event{Step: model.NewStep(model.StatusFailure, msg), IncidentID: incident}
		if sendErr := ec.Send(ctx, ev); sendErr != nil {
			j.logger.Warn("could not report executable failure",
				"execution_id", ec.Execution.ID, "error", sendErr)
		}
	}()

	return events, nil
}

func (j *JobsEngine) execute(ctx context.Context, ec *ExecutionContext, exe Executable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executable panicked: %v", r)
		}
	}()
	return exe.Execute(ctx, ec)
}
