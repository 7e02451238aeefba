package service

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the connection service
var (
	// ErrAuthorization is returned when the callback state or authorization
	// code is invalid or expired. The user restarts the flow.
	ErrAuthorization = errors.New("authorization failed")

	// ErrTenantResolution is returned when consent completed but the
	// platform reported no organization for the new token. The user must
	// redo the flow and select an organization.
	ErrTenantResolution = errors.New("no organization returned by platform")
)

// ConnectionDisconnectedError is terminal: the stored grant is unusable and
// the user must re-authorize. It is never retried automatically.
type ConnectionDisconnectedError struct {
	Reason string
}

func (e *ConnectionDisconnectedError) Error() string {
	return fmt.Sprintf("connection is disconnected: %s", e.Reason)
}

// TransientRefreshError wraps a network or server failure during refresh.
// The stored connection is untouched and a later EnsureFresh may succeed;
// retry policy belongs to the caller.
type TransientRefreshError struct {
	Err error
}

func (e *TransientRefreshError) Error() string {
	return fmt.Sprintf("transient refresh failure: %v", e.Err)
}

func (e *TransientRefreshError) Unwrap() error {
	return e.Err
}
