package scheduler

import (
	"errors"
	"fmt"
)

// SkipReason names a non-fatal turn outcome. Skips only consume attempt budget.
type SkipReason string

const (
	ContextExhausted  SkipReason = "context_exhausted"
	MalformedResponse SkipReason = "malformed_response"
	EmptyResult       SkipReason = "empty_result"
	DuplicateStem     SkipReason = "duplicate_stem"
	Unverified        SkipReason = "unverified"
)

// ErrServiceFailure matches every fatal collaborator error returned by Run.
var ErrServiceFailure = errors.New("service failure")

// ServiceError records which collaborator failed and during what operation.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrServiceFailure, e.Op, e.Err)
}

func (e *ServiceError) Unwrap() []error {
	return []error{ErrServiceFailure, e.Err}
}

func serviceError(op string, err error) error {
	return &ServiceError{Op: op, Err: err}
}
