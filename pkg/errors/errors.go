package errors

import "errors"

var (
	// Registry errors
	ErrInstanceNotFound     = errors.New("instance not found")
	ErrNoInstancesAvailable = errors.New("no instances available")

	// Lease errors
	ErrLeaseExpired = errors.New("lease expired")
	ErrLeaseMissing = errors.New("instance has no lease")

	// Storage errors
	ErrBackendUnavailable = errors.New("backend unavailable")

	// Health check errors
	ErrProbeFailed = errors.New("health probe failed")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
)
