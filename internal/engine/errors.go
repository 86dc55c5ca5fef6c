package engine

import (
	"fmt"

	"wirline/internal/domain"
)

// ValidationError reports input the engine refuses before touching the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

const (
	CodeInvalidTransition = "WIR_INVALID_TRANSITION"
	CodeNotDraft          = "WIR_NOT_DRAFT"
	CodeConcurrentChange  = "WIR_CONCURRENT_CHANGE"
)

// TransitionError reports a status change the WIR's current state forbids.
type TransitionError struct {
	Code    string        `json:"code"`
	From    domain.Status `json:"from"`
	To      domain.Status `json:"to"`
	Message string        `json:"message"`
}

func (e *TransitionError) Error() string {
	return e.Message
}
