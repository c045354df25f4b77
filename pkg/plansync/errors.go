package plansync

import "errors"

var (
	// ErrUserNotFound is returned when a user record does not exist
	ErrUserNotFound = errors.New("user not found")

	// ErrUserNotResolved is returned when no hint maps to a user record.
	// Callers log and continue: an orphan event is not a failure.
	ErrUserNotResolved = errors.New("user not resolved from event hints")

	// ErrInvalidPlan is returned for a plan outside the tier table
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrStorageUnavailable is returned when the store cannot serve a request
	ErrStorageUnavailable = errors.New("storage unavailable")
)
