package service

import "errors"

// Sentinel errors returned by the core services. Handlers map these to HTTP
// statuses; everything else is treated as an internal error.
var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrInvalidState           = errors.New("invalid state for this transition")
	ErrInactive               = errors.New("code is not active")
	ErrActivationLimitReached = errors.New("activation limit reached")
	ErrNoCapacity             = errors.New("no eligible node available")
	ErrUpstreamFailure        = errors.New("upstream provider failure")
)
