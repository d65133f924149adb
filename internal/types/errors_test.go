package types

import (
	"errors"
	"testing"
)

func TestCodeOf(t *testing.T) {
	err := NewError(ErrCodeQuoteExpired, "quote %s has expired", "quote_1")
	if CodeOf(err) != ErrCodeQuoteExpired {
		t.Errorf("code = %s, want %s", CodeOf(err), ErrCodeQuoteExpired)
	}
	if err.Error() != "QUOTE_EXPIRED: quote quote_1 has expired" {
		t.Errorf("message = %q", err.Error())
	}

	if CodeOf(errors.New("plain")) != ErrCodeRPCError {
		t.Error("unclassified error did not default to RPC_ERROR")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError(ErrCodeReservePaused, "bridge is paused")
	if !IsCode(err, ErrCodeReservePaused) {
		t.Error("matching code not recognised")
	}
	if IsCode(err, ErrCodeReserveInsufficient) {
		t.Error("mismatched code recognised")
	}
	if IsCode(errors.New("plain"), ErrCodeReservePaused) {
		t.Error("plain error matched a code")
	}
}

func TestTransient(t *testing.T) {
	transient := []ErrorCode{
		ErrCodeRPCTimeout, ErrCodeRPCError, ErrCodeSignerUnavailable, ErrCodeAllEndpointsDown,
	}
	for _, code := range transient {
		if !Transient(NewError(code, "x")) {
			t.Errorf("%s not retryable", code)
		}
	}

	terminal := []ErrorCode{
		ErrCodeValidation, ErrCodeSignerRejected, ErrCodeReserveInsufficient, ErrCodePaymentAlreadyUsed,
	}
	for _, code := range terminal {
		if Transient(NewError(code, "x")) {
			t.Errorf("%s wrongly retryable", code)
		}
	}
}
