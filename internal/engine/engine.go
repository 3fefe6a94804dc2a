package engine

import (
	"context"

	"github.com/seantiz/processing/internal/model"
)

// WorkloadEngine is the interface every engine must implement.
type WorkloadEngine interface {
	// Name is the unique engine name processes declare.
	Name() string

	// Run starts exe for the execution described by ec and returns the stream
	// of step events it produces. The stream is closed once the executable is
	// done; a well-behaved run ends with exactly one final step. Cancelling
	// ctx asks the executable to stop.
	Run(ctx context.Context, ec *ExecutionContext, exe Executable) (<-chan Event, error)
}

// Event is one step produced by an executable. OutputFiles is only
// meaningful on a SUCCESS step.
type Event struct {
	Step        model.Step
	OutputFiles []model.OutputFile
	IncidentID  string
}

// Executable is the unit of work a process supplies. It reports progress
// through ec and must push exactly one final step.
type Executable interface {
	Execute(ctx context.Context, ec *ExecutionContext) error
}

// ExecutableFunc adapts a function to Executable.
type ExecutableFunc func(ctx context.Context, ec *ExecutionContext) error

func (f ExecutableFunc) Execute(ctx context.Context, ec *ExecutionContext) error {
	return f(ctx, ec)
}
