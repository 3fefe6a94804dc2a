package model

// Status is the status carried by an execution step.
type Status string

// Intermediary step statuses.
const (
	StatusRegistered Status = "REGISTERED"
	StatusPrepare    Status = "PREPARE"
	StatusRunning    Status = "RUNNING"
	StatusCleanup    Status = "CLEANUP"
)

// Final step statuses. Once one of these is recorded the execution is
// immutable.
const (
	StatusSuccess   Status = "SUCCESS"
	StatusFailure   Status = "FAILURE"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusCancelled Status = "CANCELLED"
)

// ActiveStatuses lists the non-terminal statuses.
var ActiveStatuses = []Status{StatusRegistered, StatusPrepare, StatusRunning, StatusCleanup}

// FinalStatuses lists the terminal statuses.
var FinalStatuses = []Status{StatusSuccess, StatusFailure, StatusTimedOut, StatusCancelled}

// statusRank orders statuses along the lifecycle. All final statuses share
// the highest rank.
var statusRank = map[Status]int{
	StatusRegistered: 0,
	StatusPrepare:    1,
	StatusRunning:    2,
	StatusCleanup:    3,
	StatusSuccess:    4,
	StatusFailure:    4,
	StatusTimedOut:   4,
	StatusCancelled:  4,
}

// IsFinal reports whether s is a terminal status.
func (s Status) IsFinal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// ValidTransition reports whether a step with status to may follow a step
// with status from. Steps never move backwards, REGISTERED is only ever the
// first step, and nothing follows a final status. Repeating an intermediary
// status is allowed so engines can report progress.
func ValidTransition(from, to Status) bool {
	if from.IsFinal() || to == StatusRegistered {
		return false
	}
	rf, ok := statusRank[from]
	if !ok {
		return false
	}
	rt, ok := statusRank[to]
	if !ok {
		return false
	}
	return rt >= rf
}
