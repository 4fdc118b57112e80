package ledger

import (
	"strconv"

	"smallbiznis-billing/pkg/errutil"
)

const (
	ReasonBalanceLimitExceeded = "balance_limit_exceeded"
	ReasonInsufficientBalance  = "insufficient_balance"
	ReasonIdempotencyKeyReused = "idempotency_key_reused"
)

var (
	// ErrBalanceLimitExceeded matches any debit rejected by its floor.
	ErrBalanceLimitExceeded = errutil.BaseError{Code: errutil.StatusUnprocessableEntity, Reason: ReasonBalanceLimitExceeded}
	// ErrInsufficientBalance matches a spend that needs a non-negative result.
	ErrInsufficientBalance = errutil.BaseError{Code: errutil.StatusUnprocessableEntity, Reason: ReasonInsufficientBalance}
	// ErrIdempotencyKeyReused matches an external event id already posted for another user.
	ErrIdempotencyKeyReused = errutil.BaseError{Code: errutil.StatusConflict, Reason: ReasonIdempotencyKeyReused}
)

// replayed returns the recorded posting for an external event, refusing to
// hand one user's entry to another.
func replayed(existing *LedgerEntry, userID string) (*Result, error) {
	if existing.UserID != userID {
		return nil, errutil.Conflict("idempotency key was already used for another user", nil,
			errutil.WithReason(ReasonIdempotencyKeyReused),
			errutil.WithDetail("external_event_id", *existing.ExternalEventID),
		)
	}
	return &Result{Entry: existing, Balance: existing.BalanceAfter, AlreadyApplied: true}, nil
}

func balanceLimitExceeded(balance, amount, floor int64) error {
	wouldBe := balance - amount
	return errutil.UnprocessableEntity(
		"debit would move the balance below its allowed limit", nil,
		errutil.WithReason(ReasonBalanceLimitExceeded),
		errutil.WithDetail("balance", strconv.FormatInt(balance, 10)),
		errutil.WithDetail("would_be_balance", strconv.FormatInt(wouldBe, 10)),
		errutil.WithDetail("floor", strconv.FormatInt(floor, 10)),
	)
}

// InsufficientBalance reports that required credits exceed what is available.
func InsufficientBalance(required, available int64) error {
	return errutil.UnprocessableEntity(
		"insufficient balance: "+strconv.FormatInt(required, 10)+" credits required, "+strconv.FormatInt(available, 10)+" available", nil,
		errutil.WithReason(ReasonInsufficientBalance),
		errutil.WithDetail("required", strconv.FormatInt(required, 10)),
		errutil.WithDetail("available", strconv.FormatInt(available, 10)),
	)
}
