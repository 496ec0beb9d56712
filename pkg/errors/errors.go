// Package apperrors defines sentinel errors shared across the validator.
package apperrors

import "errors"

var (
	// Miner transport
	ErrMinerTimeout   = errors.New("miner timeout")
	ErrMinerRefused   = errors.New("miner refused")
	ErrTransport      = errors.New("transport error")
	ErrMalformedReply = errors.New("malformed miner reply")

	// Pool simulator
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrInvalidPositions      = errors.New("invalid positions")
	ErrTickWidthViolation    = errors.New("tick width below minimum")

	// Events source
	ErrEventsNotFound    = errors.New("no events in range")
	ErrEventsUnavailable = errors.New("events source unavailable")

	// Round lifecycle
	ErrRoundAborted    = errors.New("round aborted")
	ErrConstraintBreak = errors.New("constraint violation")

	// Reputation store
	ErrReputationStore = errors.New("reputation store error")

	// Live gate
	ErrExecutorSinkUnavailable = errors.New("executor sink unavailable")
)
