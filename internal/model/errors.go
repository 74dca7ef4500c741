package model

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientMargin  = errors.New("insufficient margin")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrRecipientNotFound   = errors.New("recipient not found")
	ErrAlreadyClosed       = errors.New("position already closed")
	ErrPositionNotFound    = errors.New("position not found")
	ErrContractNotFound    = errors.New("contract not found")
	ErrInvalidLeverage     = errors.New("invalid leverage")
	ErrInvalidSide         = errors.New("side must be long or short")
	ErrSelfTransfer        = errors.New("cannot transfer to own account")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrPublicIDTaken       = errors.New("public id already registered")
	ErrAlreadyRegistered   = errors.New("user already has a public id")

	// ErrInvariant means a balance would have gone negative. It indicates a
	// bug, not a user error.
	ErrInvariant = errors.New("balance invariant violated")

	// ErrPersistence is matched by every *PersistenceError.
	ErrPersistence = errors.New("persistence failure")

	// ErrNotFound is returned by stores for missing rows.
	ErrNotFound = errors.New("not found")
)

// PersistenceError wraps an underlying storage or network error.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrPersistence) match any PersistenceError.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Persistence wraps err unless it is nil, already classified, or a domain
// sentinel returned from inside a transaction callback.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomain(err) || errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

var domainErrors = []error{
	ErrInsufficientBalance, ErrInsufficientMargin, ErrInvalidAmount,
	ErrRecipientNotFound, ErrAlreadyClosed, ErrPositionNotFound,
	ErrContractNotFound, ErrInvalidLeverage, ErrInvalidSide,
	ErrSelfTransfer, ErrInvalidRequest, ErrPublicIDTaken, ErrAlreadyRegistered,
	ErrInvariant,
}

// IsDomain reports whether err is one of the ledger's own sentinel errors.
func IsDomain(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
