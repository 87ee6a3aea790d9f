package mux

import "errors"

// Protocol error codes returned to clients.
const (
	CodeInternal            = "INTERNAL"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeNotFound            = "NOT_FOUND"
	CodeRateLimited         = "RATE_LIMITED"
	CodeNotImplemented      = "NOT_IMPLEMENTED"
)

// ErrInsufficientBalance is returned by pay_invoice when the requested amount
// exceeds the client's balance. It is decided locally and never forwarded to
// the upstream wallet.
var ErrInsufficientBalance = errors.New("insufficient balance")
