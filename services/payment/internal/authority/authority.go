package authority

import (
	"context"
	"errors"
	"fmt"
)

// HoldToken identifies funds reserved by the authority but not yet withdrawn.
type HoldToken string

type DeclineReason int

const (
	DeclineOther DeclineReason = iota
	DeclineInvalidAccountNumber
	DeclineInvalidAmount
	DeclineInsufficientFunds
)

func (r DeclineReason) String() string {
	switch r {
	case DeclineInvalidAccountNumber:
		return "invalid_account_number"
	case DeclineInvalidAmount:
		return "invalid_amount"
	case DeclineInsufficientFunds:
		return "insufficient_funds"
	default:
		return "other"
	}
}

// DeclineError is a business refusal to place a hold. Anything else returned by
// an Authority is a failure to reach a decision.
type DeclineError struct {
	Reason DeclineReason
	Detail string
}

func (e *DeclineError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("hold declined: %s", e.Reason)
	}
	return fmt.Sprintf("hold declined: %s: %s", e.Reason, e.Detail)
}

func Decline(reason DeclineReason) error {
	return &DeclineError{Reason: reason}
}

// AsDecline extracts the decline reason from err, if any.
func AsDecline(err error) (DeclineReason, bool) {
	var declineErr *DeclineError
	if errors.As(err, &declineErr) {
		return declineErr.Reason, true
	}
	return DeclineOther, false
}

// Resolving a token that was already resolved reports which way it went, so a
// retry can tell a finished withdrawal from a release. ErrUnknownHold means
// the authority has no record of the token at all.
var (
	ErrUnknownHold   = errors.New("unknown hold")
	ErrHoldWithdrawn = errors.New("hold already withdrawn")
	ErrHoldReleased  = errors.New("hold already released")
)

type Authority interface {
	PlaceHold(ctx context.Context, accountReference string, amount int64) (HoldToken, error)
	WithdrawFunds(ctx context.Context, token HoldToken) error
	ReleaseHold(ctx context.Context, token HoldToken) error
}
