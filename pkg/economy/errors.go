package economy

import (
	"errors"
	"fmt"
)

// Domain-level error values. Business-rule negatives (insufficient funds,
// non-positive amount) are reported as false results, not errors; these
// sentinels cover genuine faults and invalid inputs.
var (
	ErrInvalidPlayerID      = errors.New("invalid player id")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidKind          = errors.New("invalid transaction kind")
	ErrInvalidValue         = errors.New("invalid config value")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrAccountNotFound      = errors.New("account not found")
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
