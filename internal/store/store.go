package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/processing/internal/model"
)

var (
	// ErrNotFound is returned when a batch or execution does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExecutionTerminal is returned when a step is appended to an
	// execution that already holds a final step.
	ErrExecutionTerminal = errors.New("execution already terminal")

	// ErrInvalidTransition is returned when a step status may not follow the
	// current status of the execution.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ExecutionFilter selects executions for the monitoring search. Zero fields
// do not filter.
type ExecutionFilter struct {
	Tenant        string
	ProcessID     string
	User          string
	Statuses      []model.Status
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// DeletionCandidate is an output file together with the state of the
// execution that produced it.
type DeletionCandidate struct {
	model.OutputFile
	ExecutionStatus model.Status
}

// Store defines the persistence operations of the processing engine.
type Store interface {
	CreateBatch(ctx context.Context, b *model.Batch) error
	GetBatch(ctx context.Context, id string) (*model.Batch, error)

	// CreateExecution inserts e together with the steps it already holds.
	CreateExecution(ctx context.Context, e *model.Execution) error
	// GetExecution returns e with its full step history and output files.
	GetExecution(ctx context.Context, id string) (*model.Execution, error)

	// AppendStep appends step to the history of an execution. The status
	// update and the insert happen in one transaction guarded by the current
	// status, so at most one final step is ever recorded. Output files are
	// stored in the same transaction when step is SUCCESS.
	AppendStep(ctx context.Context, executionID string, step model.Step, outputs []model.OutputFile) (model.Step, error)

	CountActiveExecutions(ctx context.Context, tenant, processID string) (int, error)
	CachedBytes(ctx context.Context, tenant, processID string) (int64, error)
	// ListActiveExecutions returns all non-terminal executions without their
	// steps.
	ListActiveExecutions(ctx context.Context) ([]*model.Execution, error)
	SearchExecutions(ctx context.Context, f ExecutionFilter) ([]*model.Execution, int, error)

	// MarkOutputFilesDownloaded flags the files with the given URLs as
	// downloaded and returns how many rows changed. Files already marked are
	// left untouched.
	MarkOutputFilesDownloaded(ctx context.Context, urls []string, at time.Time) (int, error)
	ListDeletionCandidates(ctx context.Context) ([]DeletionCandidate, error)
	DeleteOutputFile(ctx context.Context, id string) error

	Close() error
}
