package assetmanager

import "errors"

// Kind classifies a rejected call for transport layers.
type Kind uint8

const (
	KindPrecondition Kind = iota
	KindProofMismatch
	KindNotFound
	KindForbidden
)

// Error is a rejected operation. Reason is stable and safe to show to callers;
// two errors match under errors.Is when their reasons are equal.
type Error struct {
	Kind   Kind
	Reason string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Reason + ": " + e.cause.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

func reject(reason string) *Error {
	return &Error{Kind: KindPrecondition, Reason: reason}
}

func mismatch(reason string) *Error {
	return &Error{Kind: KindProofMismatch, Reason: reason}
}

func forbidden(reason string) *Error {
	return &Error{Kind: KindForbidden, Reason: reason}
}

func notFound(reason string) *Error {
	return &Error{Kind: KindNotFound, Reason: reason}
}

func invalidProof(err error) *Error {
	return &Error{Kind: KindProofMismatch, Reason: "invalid attestation proof", cause: err}
}

// AsError extracts a rejection from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

var (
	ErrInvalidAgent        = notFound("invalid agent vault address")
	ErrInvalidCrtID        = notFound("invalid crt id")
	ErrInvalidRequestID    = notFound("invalid request id")
	ErrOnlyAgentOwner      = forbidden("only agent vault owner")
	ErrMintingPaused       = reject("minting paused")
	ErrMintingTerminated   = reject("minting terminated")
	ErrMintingCapExceeded  = reject("minting cap exceeded")
	ErrNotEnoughCollateral = reject("not enough free collateral")
	ErrBalanceTooLow       = reject("f-asset balance too low")
	ErrPaymentConfirmed    = mismatch("payment already confirmed")
	ErrInvalidSourceID     = mismatch("invalid source id")
	ErrCoreVaultDisabled   = reject("core vault not enabled")
	ErrInvalidAgentStatus  = reject("invalid agent status")
	ErrInvalidProof        = invalidProof(nil)
)
