package funnel

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the funnel service.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("identity conflict")
	ErrExhausted         = errors.New("capacity exhausted")
	ErrExpired           = errors.New("deadline passed")
	ErrSignatureMismatch = errors.New("payment signature mismatch")
	ErrUpstream          = errors.New("upstream unavailable")
	ErrIllegalState      = errors.New("illegal state transition")
	ErrInviteRequired    = errors.New("invite required")

	ErrInvalidPhone         = errors.New("invalid phone number")
	ErrInvalidSessionID     = errors.New("invalid session id")
	ErrInvalidAccountID     = errors.New("invalid account id")
	ErrInvalidChallengeCode = errors.New("invalid challenge code")
	ErrInvalidInviteToken   = errors.New("invalid invite token")
	ErrInvalidSequenceKey   = errors.New("invalid sequence key")
	ErrInvalidOrderRef      = errors.New("invalid order reference")
	ErrInvalidAmountPaise   = errors.New("invalid amount paise")
	ErrInvalidHoldDuration  = errors.New("invalid hold duration")
	ErrInvalidInviteUses    = errors.New("invalid invite max uses")
	ErrInvalidServiceConfig = errors.New("invalid service config")

	ErrSlotExists   = errors.New("slot number already exists")
	ErrInviteExists = errors.New("invite code already exists")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
