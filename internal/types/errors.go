package types

import "fmt"

// ErrorCode is the stable, user-visible error classification.
type ErrorCode string

const (
	// Validation
	ErrCodeValidation  ErrorCode = "VALIDATION_ERROR"
	ErrCodeGasTooHigh  ErrorCode = "GAS_PRICE_TOO_HIGH"

	// Reserve
	ErrCodeReserveInsufficient ErrorCode = "RESERVE_INSUFFICIENT"
	ErrCodeReservePaused       ErrorCode = "RESERVE_PAUSED"
	ErrCodeDailyLimitExceeded  ErrorCode = "DAILY_LIMIT_EXCEEDED"

	// Quote
	ErrCodeQuoteNotFound       ErrorCode = "QUOTE_NOT_FOUND"
	ErrCodeQuoteExpired        ErrorCode = "QUOTE_EXPIRED"
	ErrCodeQuoteAlreadySettled ErrorCode = "QUOTE_ALREADY_SETTLED"

	// Payment
	ErrCodePaymentNotFound    ErrorCode = "PAYMENT_NOT_FOUND"
	ErrCodePaymentMismatch    ErrorCode = "PAYMENT_AMOUNT_MISMATCH"
	ErrCodePaymentAlreadyUsed ErrorCode = "PAYMENT_ALREADY_USED"
	ErrCodePaymentNotFinal    ErrorCode = "PAYMENT_NOT_FINAL"

	// RPC
	ErrCodeRPCTimeout       ErrorCode = "RPC_TIMEOUT"
	ErrCodeRPCError         ErrorCode = "RPC_ERROR"
	ErrCodeRPCBadResponse   ErrorCode = "RPC_BAD_RESPONSE"
	ErrCodeAllEndpointsDown ErrorCode = "RPC_ALL_ENDPOINTS_DOWN"

	// Signer
	ErrCodeSignerUnavailable ErrorCode = "SIGNER_UNAVAILABLE"
	ErrCodeSignerRejected    ErrorCode = "SIGNER_REJECTED"

	// Prices
	ErrCodePriceUnavailable ErrorCode = "PRICE_UNAVAILABLE"
	ErrCodePriceStale       ErrorCode = "PRICE_STALE"

	// Admin / config
	ErrCodeNotAdmin ErrorCode = "NOT_ADMIN"
	ErrCodeConfig   ErrorCode = "CONFIG_ERROR"

	// Settlement
	ErrCodeSettlementNotFound ErrorCode = "SETTLEMENT_NOT_FOUND"
	ErrCodeSettlementFailed   ErrorCode = "SETTLEMENT_FAILED"
)

// BridgeError is the typed error carried from services up to the API layer.
// User-visible messages stay short and classified; detail goes to the audit log.
type BridgeError struct {
	Code    ErrorCode
	Message string
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a BridgeError with a formatted message.
func NewError(code ErrorCode, format string, args ...interface{}) *BridgeError {
	return &BridgeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the classification from an error, defaulting to RPC_ERROR
// for unclassified failures from lower layers.
func CodeOf(err error) ErrorCode {
	if be, ok := err.(*BridgeError); ok {
		return be.Code
	}
	return ErrCodeRPCError
}

// IsCode reports whether err carries the given classification.
func IsCode(err error, code ErrorCode) bool {
	be, ok := err.(*BridgeError)
	return ok && be.Code == code
}

// Transient reports whether a settlement execution error is worth retrying.
func Transient(err error) bool {
	switch CodeOf(err) {
	case ErrCodeRPCTimeout, ErrCodeRPCError, ErrCodeSignerUnavailable, ErrCodeAllEndpointsDown:
		return true
	}
	return false
}
