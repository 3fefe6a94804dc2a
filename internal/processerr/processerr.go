// Package processerr defines the processing error taxonomy. Every error
// carries a unique incident id so a FAILURE step seen by a user can be traced
// back to the log line that produced it.
package processerr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Kind classifies a processing error.
type Kind string

// Error kinds.
const (
	WorkdirCreation      Kind = "WORKDIR_CREATION_ERROR"
	InternalDownload     Kind = "INTERNAL_DOWNLOAD_ERROR"
	ExternalDownload     Kind = "EXTERNAL_DOWNLOAD_ERROR"
	StoreOutputFile      Kind = "STORE_OUTPUTFILE_ERROR"
	DeleteOutputFile     Kind = "DELETE_OUTPUTFILE_ERROR"
	PersistOutputFiles   Kind = "PERSIST_OUTPUT_FILES_ERROR"
	PersistExecutionStep Kind = "PERSIST_EXECUTION_STEP_ERROR"
	SendExecutionResult  Kind = "SEND_EXECUTION_RESULT_ERROR"
	NotifyTimeout        Kind = "NOTIFY_TIMEOUT_ERROR"
	ExecutableFailure    Kind = "EXECUTABLE_ERROR"
	EngineResolution     Kind = "ENGINE_RESOLUTION_ERROR"
)

var defaultStatus = map[Kind]int{
	WorkdirCreation:      http.StatusInternalServerError,
	InternalDownload:     http.StatusInternalServerError,
	ExternalDownload:     http.StatusBadGateway,
	StoreOutputFile:      http.StatusInternalServerError,
	DeleteOutputFile:     http.StatusInternalServerError,
	PersistOutputFiles:   http.StatusInternalServerError,
	PersistExecutionStep: http.StatusInternalServerError,
	SendExecutionResult:  http.StatusBadGateway,
	NotifyTimeout:        http.StatusInternalServerError,
	ExecutableFailure:    http.StatusUnprocessableEntity,
	EngineResolution:     http.StatusInternalServerError,
}

// Error is a classified processing error.
type Error struct {
	Kind       Kind
	IncidentID string
	Message    string
	Err        error
}

// New returns an error of the given kind with a fresh incident id.
func New(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:       kind,
		IncidentID: uuid.NewString(),
		Message:    message,
		Err:        cause,
	}
}

// Newf is New with a formatted message and no cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...), nil)
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s (incident %s): %s", e.Kind, e.IncidentID, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the default external status for the error kind.
func (e *Error) Status() int {
	if s, ok := defaultStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Describe renders err for a FAILURE step message. Classified errors keep
// their kind and incident id; anything else is wrapped as an executable
// failure so it still gets an incident id.
func Describe(err error) (string, string) {
	var pe *Error
	if !errors.As(err, &pe) {
		pe = New(ExecutableFailure, "executable failed", err)
	}
	return pe.Error(), pe.IncidentID
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
