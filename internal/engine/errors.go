package engine

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by an engine operation wraps
// exactly one of these (or a token / oracle error from a collaborator), so
// callers can branch with errors.Is.
var (
	// ErrInsufficientLiquidity is returned when a pool cannot back an open,
	// a withdrawal or a payout.
	ErrInsufficientLiquidity = errors.New("engine: insufficient liquidity")

	// ErrUnderCollateralized is returned when collateral is below the
	// required minimum, or a position would fail the collateralization check.
	ErrUnderCollateralized = errors.New("engine: under-collateralized")

	// ErrInvalidState is returned for unknown, closed, settled or
	// foreign positions and requests, and for invalid arguments.
	ErrInvalidState = errors.New("engine: invalid state")

	// ErrSlippageExceeded is returned when the amount out would fall below
	// the caller's minimum.
	ErrSlippageExceeded = errors.New("engine: slippage exceeded")

	// ErrEpochTiming is returned for actions outside their epoch window.
	ErrEpochTiming = errors.New("engine: epoch timing")
)

var (
	ErrInsufficientCollateral = fmt.Errorf("%w: collateral below minimum", ErrUnderCollateralized)
	ErrNotCollateralized      = fmt.Errorf("%w: position is not collateralized", ErrUnderCollateralized)

	ErrPositionNotFound       = fmt.Errorf("%w: position not found", ErrInvalidState)
	ErrPositionClosed         = fmt.Errorf("%w: position is closed", ErrInvalidState)
	ErrNotOwner               = fmt.Errorf("%w: caller is not the owner", ErrInvalidState)
	ErrNotAdmin               = fmt.Errorf("%w: caller is not the admin", ErrInvalidState)
	ErrPositionCollateralized = fmt.Errorf("%w: position is collateralized", ErrInvalidState)
	ErrOptionNotFound         = fmt.Errorf("%w: option not found", ErrInvalidState)
	ErrAlreadySettled         = fmt.Errorf("%w: option already settled", ErrInvalidState)
	ErrNegativePnl            = fmt.Errorf("%w: option pnl is not positive", ErrInvalidState)
	ErrRequestNotFound        = fmt.Errorf("%w: withdrawal request not found", ErrInvalidState)
	ErrInvalidAmount          = fmt.Errorf("%w: invalid amount", ErrInvalidState)

	ErrAmountOutTooLow       = fmt.Errorf("%w: amount out too low", ErrSlippageExceeded)
	ErrInsufficientAmountOut = fmt.Errorf("%w: insufficient amount out", ErrSlippageExceeded)

	ErrEpochNotExpired = fmt.Errorf("%w: current epoch has not expired", ErrEpochTiming)
	ErrEpochExpired    = fmt.Errorf("%w: current epoch has expired", ErrEpochTiming)
	ErrSettleTooEarly  = fmt.Errorf("%w: option epoch has not concluded", ErrEpochTiming)
	ErrInvalidExpiry   = fmt.Errorf("%w: next expiry must be in the future", ErrEpochTiming)
)
