package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")

	// ErrNoData is returned by a SignalProvider when there is not enough
	// candle history to compute a snapshot.
	ErrNoData = errors.New("no data")

	ErrInvalidTransition = errors.New("invalid state transition")
	ErrPositionClosed    = errors.New("position closed")
	ErrLowInvestment     = errors.New("low investment")
	ErrQueueFull         = errors.New("queue full")
	ErrStaleVersion      = errors.New("stale position version")
)
