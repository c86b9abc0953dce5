package model

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported marks an operation a protocol family structurally
	// lacks, as opposed to one that failed.
	ErrUnsupported = errors.New("operation not supported by this pool")

	// ErrUserRejected marks a signing rejection; it rolls the process back
	// silently instead of surfacing as a failure.
	ErrUserRejected = errors.New("request rejected by user")

	// ErrPoolNotFound is returned by point reads against the stores.
	ErrPoolNotFound = errors.New("yield pool not found")

	// ErrHandlerNotFound is returned when no handler is registered for a slug.
	ErrHandlerNotFound = errors.New("no handler registered for slug")
)

// FailureReason is the typed kind of a business-rule validation error.
type FailureReason string

const (
	ReasonNotEnoughMinStake    FailureReason = "NOT_ENOUGH_MIN_STAKE"
	ReasonExceedMaxNomination  FailureReason = "EXCEED_MAX_NOMINATIONS"
	ReasonExistingUnstake      FailureReason = "EXISTING_UNSTAKE_REQUEST"
	ReasonMaxUnstakeRequests   FailureReason = "EXCEED_MAX_UNSTAKE_REQUESTS"
	ReasonNotEnoughBalance     FailureReason = "NOT_ENOUGH_BALANCE"
	ReasonNotEnoughFeeBalance  FailureReason = "NOT_ENOUGH_FEE_BALANCE"
	ReasonInactivePool         FailureReason = "INACTIVE_POOL"
	ReasonInvalidAmount        FailureReason = "INVALID_AMOUNT"
	ReasonNotEnoughMinWithdraw FailureReason = "NOT_ENOUGH_MIN_WITHDRAWAL"
	ReasonUnstakeAll           FailureReason = "MUST_UNSTAKE_ALL"
)

// StakingError is a typed validation failure. Validation returns slices of
// these instead of aborting, so callers can render every violated rule.
type StakingError struct {
	Reason  FailureReason
	Message string
}

func (e *StakingError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// NewStakingError builds a typed validation failure.
func NewStakingError(reason FailureReason, format string, args ...any) *StakingError {
	return &StakingError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ChainError wraps a connectivity failure and names the unreachable chain so
// planning can degrade into a connection-error path instead of failing hard.
type ChainError struct {
	Chain string
	Err   error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain %s unreachable: %v", e.Chain, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// AsChainError extracts a ChainError from an error chain.
func AsChainError(err error) (*ChainError, bool) {
	var ce *ChainError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
