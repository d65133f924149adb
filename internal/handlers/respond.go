package handlers

import (
	"net/http"

	bridgetypes "gasless-bridge/internal/types"

	"github.com/gin-gonic/gin"
)

// respondOK wraps data in the standard success envelope.
func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// respondError maps a classified error onto an HTTP status and the standard
// failure envelope. Unclassified errors surface as 500 without detail.
func respondError(c *gin.Context, err error) {
	code := bridgetypes.CodeOf(err)
	status := http.StatusInternalServerError
	message := err.Error()

	if _, ok := err.(*bridgetypes.BridgeError); !ok {
		code = "INTERNAL_ERROR"
		message = "internal error"
	}

	switch code {
	case bridgetypes.ErrCodeValidation, bridgetypes.ErrCodeGasTooHigh:
		status = http.StatusBadRequest
	case bridgetypes.ErrCodeQuoteNotFound, bridgetypes.ErrCodeSettlementNotFound, bridgetypes.ErrCodePaymentNotFound:
		status = http.StatusNotFound
	case bridgetypes.ErrCodeQuoteExpired, bridgetypes.ErrCodeQuoteAlreadySettled,
		bridgetypes.ErrCodePaymentAlreadyUsed, bridgetypes.ErrCodePaymentMismatch,
		bridgetypes.ErrCodePaymentNotFinal:
		status = http.StatusConflict
	case bridgetypes.ErrCodeDailyLimitExceeded:
		status = http.StatusTooManyRequests
	case bridgetypes.ErrCodeReserveInsufficient, bridgetypes.ErrCodeReservePaused:
		status = http.StatusServiceUnavailable
	case bridgetypes.ErrCodeRPCTimeout, bridgetypes.ErrCodeRPCError, bridgetypes.ErrCodeRPCBadResponse,
		bridgetypes.ErrCodeAllEndpointsDown, bridgetypes.ErrCodeSignerUnavailable,
		bridgetypes.ErrCodeSignerRejected, bridgetypes.ErrCodePriceUnavailable, bridgetypes.ErrCodePriceStale:
		status = http.StatusBadGateway
	case bridgetypes.ErrCodeNotAdmin:
		status = http.StatusForbidden
	}

	c.JSON(status, gin.H{
		"success": false,
		"error":   message,
		"code":    string(code),
	})
}
