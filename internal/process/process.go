// Package process holds the processes the deployment can run. Processes are
// registered explicitly at startup and looked up by id when a batch is
// checked and when an execution is launched.
package process

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/processing/internal/engine"
	"github.com/seantiz/processing/internal/forecast"
	"github.com/seantiz/processing/internal/model"
)

// ErrUnknownProcess is returned when no process is registered under an id.
var ErrUnknownProcess = errors.New("unknown process")

// Definition describes a runnable process.
type Definition struct {
	ID         string
	Name       string
	EngineName string
	Parameters []model.ExecutionParameterDescriptor

	SizeForecast     forecast.ResultSizeForecast
	DurationForecast forecast.RunningDurationForecast

	// Timeout overrides the duration forecast when positive.
	Timeout time.Duration

	// DiscardOutputFiles marks processes whose executions must not record
	// output files.
	DiscardOutputFiles bool

	Executable engine.Executable
}

// Descriptor returns the declared parameter called name.
func (d Definition) Descriptor(name string) (model.ExecutionParameterDescriptor, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return model.ExecutionParameterDescriptor{}, false
}

// ExpectedResultSize forecasts the bytes produced for inputSize input bytes.
func (d Definition) ExpectedResultSize(inputSize int64) int64 {
	if d.SizeForecast == nil {
		return 0
	}
	return d.SizeForecast.ExpectedResultSizeInBytes(inputSize)
}

// ExpectedDuration forecasts the running time for inputSize input bytes.
func (d Definition) ExpectedDuration(inputSize int64) time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	if d.DurationForecast == nil {
		return 0
	}
	return d.DurationForecast.ExpectedRunningDuration(inputSize)
}

// Info is the public view of a registered process.
type Info struct {
	ID               string                               `json:"id"`
	Name             string                               `json:"name"`
	EngineName       string                               `json:"engine"`
	Parameters       []model.ExecutionParameterDescriptor `json:"parameters"`
	SizeForecast     string                               `json:"size_forecast,omitempty"`
	DurationForecast string                               `json:"duration_forecast,omitempty"`
}

// Registry holds the process definitions of the deployment.
type Registry struct {
	mu        sync.RWMutex
	processes map[string]Definition
}

// NewRegistry creates an empty process registry.
func NewRegistry() *Registry {
	return &Registry{processes: make(map[string]Definition)}
}

// Register adds d. The id must be unique, and the engine name and executable
// are mandatory.
func (r *Registry) Register(d Definition) error {
	switch {
	case d.ID == "":
		return errors.New("process id is required")
	case d.EngineName == "":
		return fmt.Errorf("process %q: engine name is required", d.ID)
	case d.Executable == nil:
		return fmt.Errorf("process %q: executable is required", d.ID)
	}
	if d.Name == "" {
		d.Name = d.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.processes[d.ID]; ok {
		return fmt.Errorf("process %q already registered", d.ID)
	}
	r.processes[d.ID] = d
	return nil
}

// Get returns the process registered under id.
func (r *Registry) Get(id string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.processes[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownProcess, id)
	}
	return d, nil
}

// List returns the registered processes sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.processes))
	for _, d := range r.processes {
		info := Info{ID: d.ID, Name: d.Name, EngineName: d.EngineName, Parameters: d.Parameters}
		if s, ok := d.SizeForecast.(fmt.Stringer); ok {
			info.SizeForecast = s.String()
		}
		if s, ok := d.DurationForecast.(fmt.Stringer); ok {
			info.DurationForecast = s.String()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
