package repository

import "errors"

// Common repository errors
var (
	// ErrNotFound is returned when a record is not found
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateConnection is returned when an insert collides with the
	// (user_id, tenant_id) uniqueness constraint
	ErrDuplicateConnection = errors.New("connection for this user and tenant already exists")

	// ErrNotConnected is returned when a guarded token update finds the row
	// no longer in CONNECTED state
	ErrNotConnected = errors.New("connection is not in connected state")
)
