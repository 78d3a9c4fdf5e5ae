package models

import "errors"

// Business-rule violations, surfaced to the caller verbatim. None of these
// are retryable.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrNoStockAvailable     = errors.New("no stock available")
	ErrNotRenewable         = errors.New("product is not renewable")
	ErrNoLinkedOrder        = errors.New("no linked order")
	ErrOrderStillActive     = errors.New("order still within paid period")
	ErrSettlementInProgress = errors.New("settlement already in progress for this order")
)
