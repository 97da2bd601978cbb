package domain

import (
	"errors"
	"fmt"
)

// ErrInsufficientFunds signals that the funder balance cannot cover the
// funding plan total. The cycle aborts without advancing the checkpoint so
// the same window is reconciled again once the funder is topped up.
var ErrInsufficientFunds = errors.New("funder balance below funding plan total")

// RevertError is returned when the referral registry rejected a call or the
// disbursement transaction reverted on chain. Reverts are never retried.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "ledger reverted"
	}
	return fmt.Sprintf("ledger reverted: %s", e.Reason)
}
