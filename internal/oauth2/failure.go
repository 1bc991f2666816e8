package oauth2

import (
	stderrors "errors"
	"fmt"
)

// FailureKind classifies why a token could not be produced.
type FailureKind int

const (
	// Unknown is any provider response no other kind matches.
	Unknown FailureKind = iota
	// PermanentlyExpired means the refresh token itself is dead (invalid_grant).
	PermanentlyExpired
	// Revoked means the tenant or provider withdrew consent.
	Revoked
	// RateLimited is an HTTP 429 from the provider.
	RateLimited
	// ServerError is an HTTP 5xx from the provider.
	ServerError
	// MalformedRequest is an HTTP 400 without a recognised error code.
	MalformedRequest
	// NetworkError is a transport failure, timeout or open circuit.
	NetworkError
	// DatabaseError is a store or decryption failure.
	DatabaseError
)

var failureKindNames = map[FailureKind]string{
	Unknown:            "Unknown",
	PermanentlyExpired: "PermanentlyExpired",
	Revoked:            "Revoked",
	RateLimited:        "RateLimited",
	ServerError:        "ServerError",
	MalformedRequest:   "MalformedRequest",
	NetworkError:       "NetworkError",
	DatabaseError:      "DatabaseError",
}

func (k FailureKind) String() string {
	if name, ok := failureKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("FailureKind(%d)", int(k))
}

// MarshalText renders the kind by name in JSON and logs.
func (k FailureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText lets event consumers decode kinds by name.
func (k *FailureKind) UnmarshalText(text []byte) error {
	for kind, name := range failureKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown failure kind %q", text)
}

// Retryable reports whether the engine retries a failure of this kind
// within one call.
func (k FailureKind) Retryable() bool {
	switch k {
	case PermanentlyExpired, Revoked, DatabaseError:
		return false
	default:
		return true
	}
}

// ErrConnectionInactive is returned for connections that were deactivated
// and need a fresh authorization.
var ErrConnectionInactive = stderrors.New("connection is inactive")

// ErrEmptyToken marks a stored token that decrypts to an empty string.
var ErrEmptyToken = stderrors.New("stored token is empty")

// RefreshFailure is the error GetValidAccessToken returns when no usable
// token could be produced.
//
// Callers that see ShouldDeactivate must stop using the connection and ask
// the tenant to reconnect. Other failures are transient.
type RefreshFailure struct {
	Kind             FailureKind
	Message          string
	ShouldDeactivate bool
	Cause            error
}

func (f *RefreshFailure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *RefreshFailure) Unwrap() error {
	return f.Cause
}

// AsRefreshFailure extracts a *RefreshFailure from err's chain.
func AsRefreshFailure(err error) (*RefreshFailure, bool) {
	var failure *RefreshFailure
	if stderrors.As(err, &failure) {
		return failure, true
	}
	return nil, false
}
