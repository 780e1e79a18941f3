package ingress

import (
	"errors"
	"fmt"
)

// Reason names the check that rejected a request. It is logged, never sent
// to the caller.
type Reason string

const (
	ReasonSecretNotConfigured    Reason = "secret_not_configured"
	ReasonMissingToken           Reason = "missing_token"
	ReasonInvalidToken           Reason = "invalid_token"
	ReasonStaleTimestamp         Reason = "stale_timestamp"
	ReasonInvalidSignature       Reason = "invalid_signature"
	ReasonReplayDetected         Reason = "replay_detected"
	ReasonReplayCheckUnavailable Reason = "replay_check_unavailable"
)

var ErrUnauthorized = errors.New("ingress: unauthorized")

type AuthError struct {
	Reason Reason
	// Err is the underlying failure for replay_check_unavailable.
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ingress: unauthorized (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("ingress: unauthorized (%s)", e.Reason)
}

func (e *AuthError) Is(target error) bool { return target == ErrUnauthorized }

func (e *AuthError) Unwrap() error { return e.Err }

// ReasonOf extracts the rejection reason from err, or "" if err is not an
// *AuthError.
func ReasonOf(err error) Reason {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}

func reject(r Reason) error { return &AuthError{Reason: r} }
