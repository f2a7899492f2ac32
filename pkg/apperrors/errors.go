package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrConflict                = errors.New("conflict")
	ErrInvalidIdentifier       = errors.New("invalid identifier")
	ErrUnsupportedOperation    = errors.New("unsupported operation")
	ErrInvalidParameter        = errors.New("invalid parameter")
	ErrTypeCoercion            = errors.New("type coercion failed")
	ErrRelationshipSkipped     = errors.New("relationship detection skipped")
	ErrStageTransitionRejected = errors.New("stage transition rejected")
	ErrJobExecutionFailed      = errors.New("job execution failed")
	ErrJobAlreadyRunning       = errors.New("job already running")
	ErrJobDisabled             = errors.New("job disabled after repeated failures")
	ErrCredentialsKeyMismatch  = errors.New("datasource credentials were encrypted with a different key")
)

// InvalidIdentifierError reports a caller-supplied table or column name that
// does not match ^[a-zA-Z_][a-zA-Z0-9_]*$.
type InvalidIdentifierError struct {
	Kind  string // "table", "column", ...
	Value string
}

func (e *InvalidIdentifierError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("invalid identifier %q", e.Value)
	}
	return fmt.Sprintf("invalid %s identifier %q", e.Kind, e.Value)
}

func (e *InvalidIdentifierError) Unwrap() error { return ErrInvalidIdentifier }

// TypeCoercionFailure is a soft failure: the column fell back to string.
type TypeCoercionFailure struct {
	Column    string
	Candidate string // the type that was attempted
	Ratio     float64
	Threshold float64
	Cause     error
}

func (e *TypeCoercionFailure) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("column %q: %s coercion failed: %v", e.Column, e.Candidate, e.Cause)
	}
	return fmt.Sprintf("column %q: %s coercion matched %.2f, below threshold %.2f",
		e.Column, e.Candidate, e.Ratio, e.Threshold)
}

func (e *TypeCoercionFailure) Unwrap() error { return ErrTypeCoercion }

// RelationshipDetectionSkipped is logged, never returned to users.
type RelationshipDetectionSkipped struct {
	SourceID string
	Reason   string
}

func (e *RelationshipDetectionSkipped) Error() string {
	return fmt.Sprintf("relationship detection skipped for source %s: %s", e.SourceID, e.Reason)
}

func (e *RelationshipDetectionSkipped) Unwrap() error { return ErrRelationshipSkipped }

// ETLSynthesisError wraps ErrUnsupportedOperation or ErrInvalidParameter.
type ETLSynthesisError struct {
	Operation string
	Parameter string
	Reason    string
	Err       error
	Cause     error // optional, e.g. an *InvalidIdentifierError
}

func (e *ETLSynthesisError) Error() string {
	var b strings.Builder
	b.WriteString(e.Operation)
	if e.Parameter != "" {
		b.WriteString(" (")
		b.WriteString(e.Parameter)
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

func (e *ETLSynthesisError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// NewUnsupportedOperationError returns an ETLSynthesisError for an unknown operation type.
func NewUnsupportedOperationError(op string) *ETLSynthesisError {
	return &ETLSynthesisError{
		Operation: op,
		Reason:    "unsupported operation type",
		Err:       ErrUnsupportedOperation,
	}
}

// NewInvalidParameterError returns an ETLSynthesisError for a missing or invalid parameter.
func NewInvalidParameterError(op, param, reason string) *ETLSynthesisError {
	return &ETLSynthesisError{
		Operation: op,
		Parameter: param,
		Reason:    reason,
		Err:       ErrInvalidParameter,
	}
}

// StageTransitionRejected describes why a workflow gate refused a transition.
type StageTransitionRejected struct {
	SourceID string
	From     string
	To       string
	Reason   string
}

func (e *StageTransitionRejected) Error() string {
	return fmt.Sprintf("transition %s -> %s rejected for source %s: %s", e.From, e.To, e.SourceID, e.Reason)
}

func (e *StageTransitionRejected) Unwrap() error { return ErrStageTransitionRejected }

// JobExecutionFailure records a failed scheduled run.
type JobExecutionFailure struct {
	JobID   string
	Attempt int
	Failed  []string // data source ids that failed
	Cause   error
}

func (e *JobExecutionFailure) Error() string {
	msg := fmt.Sprintf("job %s attempt %d failed", e.JobID, e.Attempt)
	if len(e.Failed) > 0 {
		msg += fmt.Sprintf(" for sources [%s]", strings.Join(e.Failed, ", "))
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *JobExecutionFailure) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrJobExecutionFailed}
	}
	return []error{ErrJobExecutionFailed, e.Cause}
}
