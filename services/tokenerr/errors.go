// Package tokenerr holds the failure taxonomy shared by the token engine.
//
// Expected outcomes (a client presenting a bad token) are reported as a
// Reason inside a result value. Faults that callers cannot recover from by
// re-authenticating, such as an unreachable store, are reported as errors.
package tokenerr

import (
	"context"
	"errors"
)

type Reason string

const (
	ReasonNone           Reason = ""
	ReasonValidation     Reason = "validation_error"
	ReasonInvalidToken   Reason = "invalid_token"
	ReasonExpiredToken   Reason = "expired_token"
	ReasonReusedToken    Reason = "reused_token"
	ReasonAccountLocked  Reason = "account_locked"
	ReasonDeviceMismatch Reason = "device_mismatch"
	ReasonRevokedToken   Reason = "revoked_token"
	ReasonHighRisk       Reason = "high_risk"
	ReasonUnavailable    Reason = "store_unavailable"
)

// Recoverable reports whether the caller may simply prompt the user to
// authenticate again.
func (r Reason) Recoverable() bool {
	switch r {
	case ReasonValidation, ReasonDeviceMismatch, ReasonExpiredToken, ReasonInvalidToken:
		return true
	default:
		return false
	}
}

var (
	ErrValidation       = errors.New("validation error")
	ErrAccountLocked    = errors.New("account is locked")
	ErrStoreWrite       = errors.New("token record could not be persisted")
	ErrStoreUnavailable = errors.New("token store unavailable")
	// ErrIndeterminate marks a conditional update whose outcome is unknown,
	// typically a timeout. The refresh is treated as failed and never retried.
	ErrIndeterminate = errors.New("conditional update outcome indeterminate")
)

// Unavailable wraps a store failure, tagging deadline overruns as
// indeterminate as well as unavailable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrStoreUnavailable, ErrIndeterminate, err)
	}
	return errors.Join(ErrStoreUnavailable, err)
}
