package relay

import (
	"errors"
	"fmt"
)

// Stable rejection codes surfaced to API callers. These never change once
// published; clients branch on them.
const (
	CodeMalformedRequest     = "MalformedRequest"
	CodeStaleOrFutureNonce   = "StaleOrFutureNonce"
	CodeNoDelegateRegistered = "NoDelegateRegistered"
	CodeDelegateMismatch     = "DelegateMismatch"
	CodeUnauthorized         = "Unauthorized"
	CodeInsufficientBalance  = "InsufficientBalance"
	CodeConflictingDuplicate = "ConflictingDuplicate"
	CodeAlreadyPending       = "AlreadyPending"
	CodeNotRegistered        = "NotRegistered"
)

// RequestError is a synchronous client rejection. No state is mutated when one
// is returned.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func reject(code, format string, args ...any) *RequestError {
	return &RequestError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsRequestError unwraps a RequestError if err carries one.
func AsRequestError(err error) (*RequestError, bool) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr, true
	}
	return nil, false
}

// Fatal/structural inconsistencies. These abort the current tick without
// partial mutation and must be loudly reported.
var (
	ErrNonceRegression        = errors.New("relay: chain nonce below allocated counter")
	ErrFundingContractChanged = errors.New("relay: funding contract address changed under cursor")
	ErrImplausibleBlockJump   = errors.New("relay: implausible block number jump")
)

// errStaleRecord marks an optimistic-concurrency conflict: the record changed
// while the operation was suspended on a network call. The affected item is
// simply retried on a later tick.
var errStaleRecord = errors.New("relay: record changed during network call")

// errAlreadyQueued signals an idempotent replay: a deep-equal request already
// sits at the computed queue key. The caller returns the existing key without
// reserving escrow a second time.
var errAlreadyQueued = errors.New("relay: identical request already queued")

// errStaleWork signals that the underlying action has already been resolved
// and the account nonce was consumed by an external cause; the scheduler
// accounts a retry rather than broadcasting.
var errStaleWork = errors.New("relay: work already resolved, nonce consumed elsewhere")
