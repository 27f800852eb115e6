// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Validation errors: rejected synchronously, no state change, not retried.
var (
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
	ErrZeroAddress       = errors.New("zero address not allowed")
	ErrUnknownUser       = errors.New("unknown user")
	ErrNoDepositRecorded = errors.New("no deposit recorded for user")
)

// Authorization errors: treated as security events, never retried automatically.
var (
	ErrUnauthorized = errors.New("caller not authorized")
)

// Replay outcomes: expected under at-least-once delivery, safe no-ops.
var (
	ErrDuplicateSignal  = errors.New("signal already consumed")
	ErrAlreadyProcessed = errors.New("request already processed")
)

// Local invariant violations: surfaced to the caller, never silently truncated.
var (
	ErrInsufficientFeeBuffer  = errors.New("fee payment below minimum fee buffer")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrInsufficientLiquidity  = errors.New("insufficient pool liquidity")
	ErrInsufficientBalance    = errors.New("insufficient credit token balance")
	ErrInsufficientLoan       = errors.New("repay amount exceeds recorded loan")
	ErrLoanOutstanding        = errors.New("user already has an active loan")
	ErrNoActiveLoan           = errors.New("no active loan for user")
	ErrLoanTooLarge           = errors.New("loan amount exceeds maximum loan size")
)

// Emergency mode gating.
var (
	ErrEmergencyModeActive    = errors.New("emergency mode active")
	ErrEmergencyModeNotActive = errors.New("emergency mode not active")
)

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
