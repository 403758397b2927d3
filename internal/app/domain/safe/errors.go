package safe

import "errors"

var (
	// ErrAlreadyInitialized is returned when a spending limit is initialized
	// a second time on the same ledger record.
	ErrAlreadyInitialized = errors.New("spending limit already initialized")

	// ErrNotInitialized is returned when an operation requires an onboarded
	// spending limit record.
	ErrNotInitialized = errors.New("spending limit not initialized")

	// ErrInvalidInput rejects malformed setup or update parameters.
	ErrInvalidInput = errors.New("invalid input")

	// ErrLimitExceeded rejects a spend that would push a rolling counter
	// past its configured limit.
	ErrLimitExceeded = errors.New("spending limit exceeded")

	// ErrModeAlreadySet rejects a mode change to the mode that is already
	// effective.
	ErrModeAlreadySet = errors.New("mode already set")

	// ErrInsufficientBalance is returned when a token balance, less any
	// amount reserved by a pending withdrawal, cannot cover an operation.
	ErrInsufficientBalance = errors.New("insufficient balance")
)
