package automation

import "errors"

// Domain errors for the automation package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, automation.ErrNotFound) {
//	    // handle not found case
//	}
var (
	// ErrNotFound is returned when an automation ID does not exist.
	ErrNotFound = errors.New("automation: not found")

	// ErrDisabled is returned when running a disabled automation.
	ErrDisabled = errors.New("automation: disabled")

	// ErrDuplicate is returned when two automations share an ID.
	ErrDuplicate = errors.New("automation: duplicate id")

	// ErrInvalidAutomation is returned when automation validation fails.
	ErrInvalidAutomation = errors.New("automation: invalid")

	// ErrInvalidTrigger is returned for a malformed trigger.
	ErrInvalidTrigger = errors.New("automation: invalid trigger")

	// ErrInvalidAction is returned for a malformed action.
	ErrInvalidAction = errors.New("automation: invalid action")
)
