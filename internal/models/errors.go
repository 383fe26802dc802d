package models

import "errors"

// Common errors
var (
	// ErrNotFound is returned when a resource is not found
	ErrNotFound = errors.New("resource not found")

	// ErrTaskTerminal is returned when mutating a task that already reached a terminal state
	ErrTaskTerminal = errors.New("task is in a terminal state")

	// ErrInvalidTask is returned when creating a task with invalid fields
	ErrInvalidTask = errors.New("invalid refresh task")

	// ErrTaskRevoked is returned by a progress checkpoint when revocation was requested
	ErrTaskRevoked = errors.New("task revoked")

	// ErrQuotaExhausted is returned when a provider's daily call budget is spent
	ErrQuotaExhausted = errors.New("provider quota exhausted")

	// ErrCacheUnavailable signals the cache backend is unreachable (degraded mode, not fatal)
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrUnknownProvider is returned when the governor has no budget configured for a provider
	ErrUnknownProvider = errors.New("unknown provider")
)
