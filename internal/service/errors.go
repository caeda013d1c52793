package service

import (
	"errors"
	"fmt"

	"github.com/richardliu001/settlement-service/internal/repo"
)

var (
	// ErrValidation wraps every input error; match it with errors.Is.
	ErrValidation     = errors.New("validation error")
	ErrInvalidAmount  = fmt.Errorf("%w: amount must be positive", ErrValidation)
	ErrInvalidAccount = fmt.Errorf("%w: accountId must be a positive integer", ErrValidation)

	ErrNotFound = repo.ErrNotFound

	// ErrInvalidState means the transaction cannot be settled, e.g. it has no authorization reference.
	ErrInvalidState = errors.New("invalid transaction state")

	// ErrGateway means the processor refused or failed an authorization.
	ErrGateway = errors.New("gateway error")
)

func validationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
