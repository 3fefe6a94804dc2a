package model

import (
	"sort"
	"time"
)

// Auth identifies the caller of a batch request.
type Auth struct {
	Tenant string `json:"tenant" validate:"required"`
	User   string `json:"user" validate:"required"`
	Role   string `json:"role" validate:"required"`
}

// Step is one entry of an execution's append-only history.
type Step struct {
	Seq     int       `json:"seq"`
	Status  Status    `json:"status"`
	Time    time.Time `json:"time"`
	Message string    `json:"message,omitempty"`
}

// NewStep returns a step stamped with the current UTC time.
func NewStep(status Status, message string) Step {
	return Step{Status: status, Time: time.Now().UTC(), Message: message}
}

// IsFinal reports whether the step closes the execution.
func (s Step) IsFinal() bool {
	return s.Status.IsFinal()
}

// InputFile references a remote file given to an execution.
type InputFile struct {
	ParameterName string `json:"parameter_name"`
	Name          string `json:"name" validate:"required"`
	URL           string `json:"url" validate:"required"`
	Checksum      string `json:"checksum,omitempty"`
	Size          int64  `json:"size" validate:"gte=0"`
	Dataset       string `json:"dataset,omitempty"`
}

// InputFiles is an ordered input selection.
type InputFiles []InputFile

// TotalSize returns the sum of the declared input sizes.
func (f InputFiles) TotalSize() int64 {
	var total int64
	for _, in := range f {
		total += in.Size
	}
	return total
}

// Datasets returns the distinct datasets touched by the selection, sorted.
func (f InputFiles) Datasets() []string {
	seen := make(map[string]struct{})
	for _, in := range f {
		if in.Dataset != "" {
			seen[in.Dataset] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// OutputFile is a file produced by a successful execution.
type OutputFile struct {
	ID             string     `json:"id"`
	ExecutionID    string     `json:"execution_id"`
	Name           string     `json:"name"`
	URL            string     `json:"url"`
	Checksum       string     `json:"checksum"`
	ChecksumMethod string     `json:"checksum_method"`
	Size           int64      `json:"size"`
	Downloaded     bool       `json:"downloaded"`
	DownloadedAt   *time.Time `json:"downloaded_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Batch is the immutable, validated description of a requested run.
type Batch struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id"`
	ProcessID     string            `json:"process_id"`
	Tenant        string            `json:"tenant"`
	User          string            `json:"user"`
	Role          string            `json:"role"`
	Parameters    map[string]string `json:"parameters"`
	InputFiles    InputFiles        `json:"input_files"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Execution is one run of a batch. Its step history is append-only.
type Execution struct {
	ID                   string        `json:"id"`
	BatchID              string        `json:"batch_id"`
	CorrelationID        string        `json:"correlation_id"`
	BatchCorrelationID   string        `json:"batch_correlation_id"`
	Tenant               string        `json:"tenant"`
	User                 string        `json:"user"`
	ProcessID            string        `json:"process_id"`
	ProcessName          string        `json:"process_name"`
	Status               Status        `json:"status"`
	Timeout              time.Duration `json:"timeout"`
	InputFiles           InputFiles    `json:"input_files"`
	Steps                []Step        `json:"steps"`
	OutputFiles          []OutputFile  `json:"output_files,omitempty"`
	Attempts             int           `json:"attempts"`
	MayCreateOutputFiles bool          `json:"may_create_output_files"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// IsTerminal reports whether the execution already holds a final step.
func (e *Execution) IsTerminal() bool {
	return e.Status.IsFinal()
}

// CurrentStatus returns the status of the last recorded step.
func (e *Execution) CurrentStatus() Status {
	if step, ok := e.LastStep(); ok {
		return step.Status
	}
	return e.Status
}

// LastStep returns the most recent step, if any.
func (e *Execution) LastStep() (Step, bool) {
	if len(e.Steps) == 0 {
		return Step{}, false
	}
	return e.Steps[len(e.Steps)-1], true
}

// TimedOutAt reports whether the execution, measured from its last update,
// has exceeded its timeout scaled by factor.
func (e *Execution) TimedOutAt(now time.Time, factor float64) bool {
	if e.IsTerminal() || e.Timeout <= 0 {
		return false
	}
	if factor <= 0 {
		factor = 1
	}
	limit := time.Duration(float64(e.Timeout) * factor)
	return now.Sub(e.UpdatedAt) > limit
}
