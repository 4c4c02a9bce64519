package rpc

import (
	"errors"
	"strings"

	"github.com/cryptoadvance/spectrum-go/psbtbuilder"
	"github.com/cryptoadvance/spectrum-go/wallet"
)

// Error code constants, matching Bitcoin Core's RPC error table.
const (
	CodeWalletExistsOrInsufficientFunds = -4
	CodeInvalidTxid                     = -5
	CodeInvalidParams                   = -8
	CodeWalletNotLoaded                 = -18
	CodeWalletNotSpecified              = -19
	CodeInvalidTxFormat                 = -22
	CodeMethodNotFound                  = -32601
	CodeGeneric                         = -500
	CodeMisc                            = -1
)

// Error is a JSON-RPC error object. Handlers may return one directly to
// pick an exact code; any other error is mapped by mapError.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// NewError builds an *Error, the way handlers report a domain error with a
// specific code rather than falling through to the generic -500 mapping.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// mapError classifies a handler's returned error into Core's code table.
// Known sentinel errors from wallet/psbtbuilder get their exact code;
// anything else falls back to the generic code.
func mapError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	switch {
	case errors.Is(err, wallet.ErrWalletExists):
		return NewError(CodeWalletExistsOrInsufficientFunds, err.Error())
	case errors.Is(err, wallet.ErrWalletNotFound), errors.Is(err, psbtbuilder.ErrWalletNotFound):
		return NewError(CodeWalletNotLoaded, err.Error())
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return NewError(CodeWalletExistsOrInsufficientFunds, msg)
	case strings.Contains(msg, "invalid txid") || strings.Contains(msg, "invalid hash"):
		return NewError(CodeInvalidTxid, msg)
	case strings.Contains(msg, "invalid parameter") || strings.Contains(msg, "out of range") ||
		strings.Contains(msg, "dust limit") || strings.Contains(msg, "invalid address") ||
		strings.Contains(msg, "index") && strings.Contains(msg, "out of range"):
		return NewError(CodeInvalidParams, msg)
	case strings.Contains(msg, "invalid tx") || strings.Contains(msg, "parse transaction"):
		return NewError(CodeInvalidTxFormat, msg)
	default:
		return NewError(CodeGeneric, msg)
	}
}
