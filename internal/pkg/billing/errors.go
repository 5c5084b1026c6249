package billing

import "errors"

var (
	ErrInvalidPrice           = errors.New("invalid price id")
	ErrCheckoutCreationFailed = errors.New("checkout session creation failed")
	ErrMissingSignature       = errors.New("missing stripe signature")
	ErrInvalidSignature       = errors.New("invalid stripe signature")
	ErrInvalidPayload         = errors.New("invalid webhook payload")
	ErrMissingUserID          = errors.New("missing user id")
	ErrProviderQueryFailed    = errors.New("payment provider query failed")
	ErrUnknownPrice           = errors.New("unknown price id")
	ErrTransactionWriteFailed = errors.New("failed to record token transaction")
	ErrBalanceUpdateFailed    = errors.New("failed to update token balance")

	// ErrAlreadyProcessed marks a checkout session that was credited before.
	// Callers should acknowledge it like a success.
	ErrAlreadyProcessed = errors.New("checkout session already processed")
	// ErrCreditInProgress means another delivery of the same session holds the credit lock.
	ErrCreditInProgress = errors.New("credit for checkout session already in progress")
)
