package core

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound         = errors.New("task not found")
	ErrLedgerNotFound       = errors.New("ledger entry not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrTaskChanged          = errors.New("task changed concurrently")

	ErrValidation   = errors.New("validation failed")
	ErrModification = errors.New("modification not allowed")
)

// ValidationError rejects a schedule configuration before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ModificationError rejects an operation the task's lifecycle state forbids.
type ModificationError struct {
	TaskID string
	Op     string
	Reason string
}

func (e *ModificationError) Error() string {
	return fmt.Sprintf("cannot %s task %s: %s", e.Op, e.TaskID, e.Reason)
}

func (e *ModificationError) Unwrap() error { return ErrModification }
