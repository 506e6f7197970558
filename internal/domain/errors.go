package domain

import "errors"

// Sentinel errors shared by the scheduler, the store and the session layer.
// Check with errors.Is; callers wrap them with context.
var (
	ErrInvalidRating    = errors.New("knolclass: invalid rating")
	ErrNoActiveCard     = errors.New("knolclass: no active card")
	ErrConcurrentUpdate = errors.New("knolclass: concurrent update")
	ErrStoreUnavailable = errors.New("knolclass: store unavailable")
	ErrNotFound         = errors.New("knolclass: not found")
)
