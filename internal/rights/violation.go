package rights

import (
	"errors"
	"fmt"
)

// Reason enumerates why a batch request was refused.
type Reason string

// Violation reasons.
const (
	ReasonInvalidRequest   Reason = "INVALID_REQUEST"
	ReasonUnknownProcess   Reason = "UNKNOWN_PROCESS"
	ReasonRoleDenied       Reason = "ROLE_DENIED"
	ReasonDatasetDenied    Reason = "DATASET_DENIED"
	ReasonInvalidParameter Reason = "INVALID_PARAMETER"
	ReasonQuotaExceeded    Reason = "QUOTA_EXCEEDED"
)

// Violation is a policy refusal of a batch request.
type Violation struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Reason, v.Message)
}

func violationf(reason Reason, format string, args ...any) *Violation {
	return &Violation{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// AsViolation extracts the violation carried by err, if any.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
