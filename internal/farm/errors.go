package farm

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionUnavailable means the provider could not supply a browser handle.
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrSessionLost means the automation handle died while a task was running.
	ErrSessionLost = errors.New("session lost")
	// ErrTransientTask covers driver timeouts and unexpected page states.
	ErrTransientTask = errors.New("transient task failure")
	// ErrGenerationTimeout means no result appeared before the generation deadline.
	ErrGenerationTimeout = errors.New("generation timed out")
	// ErrQuotaExhausted means the account has no credits left for the task.
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrPromptRejected means the remote site refused the prompt.
	ErrPromptRejected = errors.New("prompt rejected")
	// ErrQuotaUnknown means the remaining-credit signal could not be read.
	ErrQuotaUnknown = errors.New("quota unknown")
)

// FatalConfigError aborts a run before any session opens.
type FatalConfigError struct {
	Field string
	Err   error
}

func (e *FatalConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("fatal config: %v", e.Err)
	}
	return fmt.Sprintf("fatal config %s: %v", e.Field, e.Err)
}

func (e *FatalConfigError) Unwrap() error {
	return e.Err
}

// WorkSourceParseError reports one input the work source could not parse.
// The source skips it and keeps going.
type WorkSourceParseError struct {
	Path string
	Err  error
}

func (e *WorkSourceParseError) Error() string {
	return fmt.Sprintf("parse work source %s: %v", e.Path, e.Err)
}

func (e *WorkSourceParseError) Unwrap() error {
	return e.Err
}

// Classify maps an execution error onto an outcome kind.
func Classify(err error) OutcomeKind {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrQuotaExhausted):
		return OutcomeQuota
	case errors.Is(err, ErrPromptRejected):
		return OutcomeRejected
	case errors.Is(err, ErrSessionLost), errors.Is(err, ErrSessionUnavailable):
		return OutcomeSessionLost
	default:
		return OutcomeTransient
	}
}
