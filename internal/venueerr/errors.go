// Package venueerr defines the closed error enumeration shared by the order
// book and the settlement surface. Codes are stable numeric values carried on
// the wire; callers branch on the code, not the message.
package venueerr

import (
	"errors"
	"fmt"
)

// Code identifies one venue error. The set is closed: new operations reuse
// existing codes rather than extending it.
type Code uint32

const (
	CodeOnlyAdmin                Code = 1
	CodeOrderNotFound            Code = 2
	CodeOrderExpired             Code = 3 // reserved, currently unused
	CodeOrderAlreadyMatched      Code = 4
	CodeOrderAlreadyCancelled    Code = 5
	CodeInvalidProof             Code = 6
	CodeUnauthorizedCancellation Code = 7
	CodeMatchNotFound            Code = 8
	CodeInvalidOrderSide         Code = 9
	CodeAssetMismatch            Code = 10
)

// Error is a venue error with a stable numeric code.
type Error struct {
	code Code
	msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("venue error %d: %s", e.code, e.msg) }

// Code returns the numeric error code.
func (e *Error) Code() Code { return e.code }

// Is makes errors.Is match two venue errors by code, so the exported
// sentinels below work as comparison targets for wrapped errors.
func (e *Error) Is(target error) bool {
	var ve *Error
	if !errors.As(target, &ve) {
		return false
	}
	return e.code == ve.code
}

func newError(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

var (
	ErrOnlyAdmin                = newError(CodeOnlyAdmin, "caller is not the venue admin")
	ErrOrderNotFound            = newError(CodeOrderNotFound, "order commitment not found")
	ErrOrderExpired             = newError(CodeOrderExpired, "order has expired")
	ErrOrderAlreadyMatched      = newError(CodeOrderAlreadyMatched, "order is already matched or settled")
	ErrOrderAlreadyCancelled    = newError(CodeOrderAlreadyCancelled, "order is already cancelled")
	ErrInvalidProof             = newError(CodeInvalidProof, "ownership proof failed verification")
	ErrUnauthorizedCancellation = newError(CodeUnauthorizedCancellation, "caller does not own this order")
	ErrMatchNotFound            = newError(CodeMatchNotFound, "match record not found")
	ErrInvalidOrderSide         = newError(CodeInvalidOrderSide, "invalid order side")
	ErrAssetMismatch            = newError(CodeAssetMismatch, "order asset does not match declared asset")
)

// CodeOf extracts the venue error code from err, unwrapping as needed.
// The second return is false when err carries no venue code.
func CodeOf(err error) (Code, bool) {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.code, true
	}
	return 0, false
}
