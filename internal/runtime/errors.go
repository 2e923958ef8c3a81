package runtime

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error returned by the runtime API.
//
// Runtime errors include:
//   - Invalid input: nil payloads, payloads of the wrong representation
//   - Unknown event type: the type name was never registered
//   - Processing failure: a failure escaped statement isolation
//   - Time control: clock operations not allowed in the current mode
//   - Deployment: a statement definition could not be deployed
//
// Failures inside statement code are never returned here; they go to the
// exception-handling service.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Statement identifies the affected statement, if any.
	Statement string

	// EventType identifies the affected event type, if any.
	EventType string

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeInvalidInput indicates a rejected payload.
	ErrCodeInvalidInput RuntimeErrorCode = "INVALID_INPUT"

	// ErrCodeUnknownEventType indicates an unregistered event type.
	ErrCodeUnknownEventType RuntimeErrorCode = "UNKNOWN_EVENT_TYPE"

	// ErrCodeProcessingFailed indicates the processing pass itself failed.
	ErrCodeProcessingFailed RuntimeErrorCode = "PROCESSING_FAILED"

	// ErrCodeTimeControl indicates a clock operation that is not allowed.
	ErrCodeTimeControl RuntimeErrorCode = "TIME_CONTROL"

	// ErrCodeDestroyed indicates use of a destroyed runtime.
	ErrCodeDestroyed RuntimeErrorCode = "DESTROYED"

	// ErrCodeDeployment indicates a statement could not be deployed.
	ErrCodeDeployment RuntimeErrorCode = "DEPLOYMENT"
)

var (
	// ErrNilEvent is the cause of every INVALID_INPUT error for nil payloads.
	ErrNilEvent = errors.New("nil event payload")

	// ErrInternalClock is returned by time control when the runtime runs
	// its own clock.
	ErrInternalClock = errors.New("runtime uses an internal clock")
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Statement != "" {
		msg += fmt.Sprintf(" (statement=%s)", e.Statement)
	}
	if e.EventType != "" {
		msg += fmt.Sprintf(" (event_type=%s)", e.EventType)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error { return e.Err }

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsInvalidInput returns true if the error rejects a payload.
// Uses errors.As to handle wrapped errors.
func IsInvalidInput(err error) bool { return hasCode(err, ErrCodeInvalidInput) }

// IsUnknownEventType returns true if the error names an unregistered type.
func IsUnknownEventType(err error) bool { return hasCode(err, ErrCodeUnknownEventType) }

// IsProcessingFailed returns true if a processing pass failed.
func IsProcessingFailed(err error) bool { return hasCode(err, ErrCodeProcessingFailed) }

// IsTimeControl returns true if a clock operation was rejected.
func IsTimeControl(err error) bool { return hasCode(err, ErrCodeTimeControl) }

// IsDestroyed returns true if the runtime was destroyed.
func IsDestroyed(err error) bool { return hasCode(err, ErrCodeDestroyed) }

// IsDeployment returns true if a deployment failed.
func IsDeployment(err error) bool { return hasCode(err, ErrCodeDeployment) }

func newInvalidInput(typeName, message string) *RuntimeError {
	return &RuntimeError{Code: ErrCodeInvalidInput, Message: message, EventType: typeName, Err: ErrNilEvent}
}

func newKindMismatch(typeName, want, got string) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeInvalidInput,
		Message:   fmt.Sprintf("event type is a %s type, sent as %s", want, got),
		EventType: typeName,
	}
}

func newUnknownType(typeName string, err error) *RuntimeError {
	return &RuntimeError{Code: ErrCodeUnknownEventType, Message: "event type not registered", EventType: typeName, Err: err}
}

func newProcessingError(typeName string, cause any) *RuntimeError {
	err, ok := cause.(error)
	if !ok {
		err = fmt.Errorf("%v", cause)
	}
	return &RuntimeError{Code: ErrCodeProcessingFailed, Message: "event processing failed", EventType: typeName, Err: err}
}

func newDeploymentError(statement string, err error) *RuntimeError {
	return &RuntimeError{Code: ErrCodeDeployment, Message: "deployment failed", Statement: statement, Err: err}
}

var errDestroyed = &RuntimeError{Code: ErrCodeDestroyed, Message: "runtime has been destroyed"}

func newInvalidPayload(typeName string, err error) *RuntimeError {
	return &RuntimeError{Code: ErrCodeInvalidInput, Message: "invalid event payload", EventType: typeName, Err: err}
}
