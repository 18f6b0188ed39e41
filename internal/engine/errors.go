package engine

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyAdmitted = errors.New("project already admitted")
	ErrInvalidProject  = errors.New("invalid project")
)

// StepError is a failed step body. It is recorded in the ledger and
// reported through the alert channel; it is never retried.
type StepError struct {
	ProcessID string
	Step      string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("process %s step %s: %v", e.ProcessID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
