package service

import "fmt"

// Rejection reason codes surfaced to API clients. Every failed door intent
// carries exactly one of these so callers can act without parsing prose.
const (
	ReasonNotHomed          = "not-homed"
	ReasonAlarmActive       = "alarm-active"
	ReasonFaultActive       = "fault-active"
	ReasonInvalidParameter  = "invalid-parameter"
	ReasonInvalidTransition = "invalid-transition"
	ReasonValidatorRejected = "validator-rejected"
	ReasonUnavailable       = "unavailable"
)

// DomainError is a door state machine rejection with a machine-readable
// reason code.
type DomainError struct {
	Reason  string
	Message string
}

func (e *DomainError) Error() string { return e.Message }

// Sentinel domain errors. Wrap with fmt.Errorf("...: %w", err) to add
// detail; errors.As still recovers the reason.
var (
	ErrNotHomed = &DomainError{
		Reason:  ReasonNotHomed,
		Message: "door is not homed; run home or zero first",
	}
	ErrAlarmActive = &DomainError{
		Reason:  ReasonAlarmActive,
		Message: "controller alarm is active; clear it first",
	}
	ErrFaultActive = &DomainError{
		Reason:  ReasonFaultActive,
		Message: "controller link is down",
	}
	ErrInvalidTransition = &DomainError{
		Reason:  ReasonInvalidTransition,
		Message: "operation is not valid in the current door state",
	}
	ErrNotValidated = &DomainError{
		Reason:  ReasonValidatorRejected,
		Message: "configuration failed safety validation; motion is blocked",
	}
)

// invalidParam builds a one-off parameter rejection.
func invalidParam(format string, args ...any) *DomainError {
	return &DomainError{
		Reason:  ReasonInvalidParameter,
		Message: fmt.Sprintf(format, args...),
	}
}
