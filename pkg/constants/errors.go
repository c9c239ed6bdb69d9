package constants

import "errors"

var (
	ErrOffline          = errors.New("no backend reachable")
	ErrNoSecondary      = errors.New("secondary backend is not configured")
	ErrRetryable        = errors.New("transient remote failure")
	ErrMalformedPayload = errors.New("malformed outbox payload")
	ErrUnknownTable     = errors.New("table is not configured")
	ErrUnknownField     = errors.New("field is not updatable")
	ErrEmptyPatch       = errors.New("patch has no fields")
	ErrNotFound         = errors.New("record not found")
	ErrInvalidName      = errors.New("invalid identifier")
	ErrDependencyCycle  = errors.New("table dependency cycle")
)
