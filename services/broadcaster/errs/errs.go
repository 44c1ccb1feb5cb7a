// Package errs defines the fixed set of user facing broadcaster errors and the
// sanitisation applied before an error is echoed back to a client.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies a user facing error.
type Code string

const (
	CodeUnknown                    Code = "UNKNOWN_ERROR"
	CodeMissingRequiredField       Code = "MISSING_REQUIRED_FIELD"
	CodeUnsupportedNetwork         Code = "UNSUPPORTED_NETWORK"
	CodeBadTokenFee                Code = "BAD_TOKEN_FEE"
	CodeNoBroadcasterFee           Code = "NO_BROADCASTER_FEE"
	CodeFailedToExtractPackagedFee Code = "FAILED_TO_EXTRACT_PACKAGED_FEE"
	CodeGasPriceTooLow             Code = "GAS_PRICE_TOO_LOW"
	CodeGasEstimateError           Code = "GAS_ESTIMATE_ERROR"
	CodeGasEstimateRevert          Code = "GAS_ESTIMATE_REVERT"
	CodeFeeHistoryRefresh          Code = "FEE_HISTORY_REFRESH"
	CodePOIInvalid                 Code = "POI_INVALID"
	CodeTransactionSendTimeout     Code = "TRANSACTION_SEND_TIMEOUT_ERROR"
	CodeTransactionSendRPC         Code = "TRANSACTION_SEND_RPC_ERROR"
	CodeNonceAlreadyUsed           Code = "NONCE_ALREADY_USED"
	CodeRepeatTransaction          Code = "REPEAT_TRANSACTION"
)

var messages = map[Code]string{
	CodeUnknown:                    "Unknown error.",
	CodeMissingRequiredField:       "Missing required field.",
	CodeUnsupportedNetwork:         "Unsupported network.",
	CodeBadTokenFee:                "Bad token fee.",
	CodeNoBroadcasterFee:           "No broadcaster fee included in transaction.",
	CodeFailedToExtractPackagedFee: "Failed to extract broadcaster fee from transaction.",
	CodeGasPriceTooLow:             "Gas price rejected as too low. Please refresh and try again.",
	CodeGasEstimateError:           "Gas estimate error. Possible connection failure.",
	CodeGasEstimateRevert:          "Gas estimate error. Transaction would revert.",
	CodeFeeHistoryRefresh:          "Could not retrieve gas fee history. Please refresh and try again.",
	CodePOIInvalid:                 "Proof of Innocence is invalid.",
	CodeTransactionSendTimeout:     "WARNING: Timed out while sending transaction. It may still be processing; check your balances before trying again.",
	CodeTransactionSendRPC:         "WARNING: RPC error while sending transaction. It may still be processing; check your balances before trying again.",
	CodeNonceAlreadyUsed:           "Nonce already used. Please try again.",
	CodeRepeatTransaction:          "Transaction already sent.",
}

// Message returns the fixed client message for a code.
func (c Code) Message() string {
	if msg, ok := messages[c]; ok {
		return msg
	}
	return messages[CodeUnknown]
}

// Error pairs a user facing code with the internal cause.
type Error struct {
	Code Code
	Err  error
}

// New returns an *Error with no underlying cause.
func New(code Code) *Error {
	return &Error{Code: code}
}

// Wrap attaches a cause to a code. A nil cause yields New(code).
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Wrapf formats a cause and attaches it to a code.
func Wrapf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.Message()
	}
	return fmt.Sprintf("%s: %v", e.Code.Message(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code so callers can use errors.Is(err, errs.New(code)).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// CodeOf returns the code carried by err or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// Sanitize renders err for a client. Known codes pass through as their fixed
// message. Anything else collapses to the unknown error message unless debug is
// allowed, in which case the raw error text is returned.
func Sanitize(err error, allowDebug bool) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Code != CodeUnknown {
		return e.Code.Message()
	}
	if allowDebug {
		return err.Error()
	}
	return CodeUnknown.Message()
}
