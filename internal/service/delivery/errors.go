package delivery

import "errors"

// Sentinel errors for the delivery service layer.
var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrStrategyNotFound  = errors.New("delivery strategy not found")
	ErrNoRecipients      = errors.New("no recipients to deliver to")
	ErrSendingPaused     = errors.New("sending is paused for this profile")
	ErrPlanInProgress    = errors.New("another launch is in progress for this profile")
	ErrBackpressure      = errors.New("too many pending batches, launch deferred")
)
