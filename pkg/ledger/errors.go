package ledger

import (
	"errors"
	"fmt"
)

// ErrValidation marks every input validation failure.
var ErrValidation = errors.New("validation")

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrDuplicateEntry          = errors.New("duplicate entry with different payload")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrWalletNotFound          = errors.New("wallet not found")
	ErrWalletExists            = errors.New("wallet already exists")
	ErrEntryNotFound           = errors.New("entry not found")
	ErrEntrySettled            = errors.New("entry already settled")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// Validation error values; each wraps ErrValidation.
var (
	ErrInvalidWalletID       = fmt.Errorf("%w: invalid wallet id", ErrValidation)
	ErrInvalidUserID         = fmt.Errorf("%w: invalid user id", ErrValidation)
	ErrInvalidEntryID        = fmt.Errorf("%w: invalid entry id", ErrValidation)
	ErrInvalidIdempotencyKey = fmt.Errorf("%w: invalid idempotency key", ErrValidation)
	ErrInvalidMetadataJSON   = fmt.Errorf("%w: invalid metadata json", ErrValidation)
	ErrInvalidAmountCents    = fmt.Errorf("%w: invalid amount cents", ErrValidation)
	ErrInvalidEntryType      = fmt.Errorf("%w: invalid entry type", ErrValidation)
	ErrInvalidEntryStatus    = fmt.Errorf("%w: invalid entry status", ErrValidation)
	ErrInvalidDirection      = fmt.Errorf("%w: invalid direction", ErrValidation)
	ErrInvalidCreditBucket   = fmt.Errorf("%w: invalid credit bucket", ErrValidation)
	ErrInvalidReference      = fmt.Errorf("%w: invalid reference", ErrValidation)
	ErrInvalidCurrency       = fmt.Errorf("%w: invalid currency", ErrValidation)
	ErrInvalidSettlement     = fmt.Errorf("%w: invalid settlement", ErrValidation)
	ErrInvalidEntryBatch     = fmt.Errorf("%w: invalid entry batch", ErrValidation)
	ErrInvalidListLimit      = fmt.Errorf("%w: invalid list limit", ErrValidation)
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
