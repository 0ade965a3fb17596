package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidIntent      = errors.New("invalid order intent")
	ErrInvalidPosition    = errors.New("invalid position parameters")
	ErrUnknownMarket      = errors.New("unknown market")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrAutoWrapDisabled   = errors.New("insufficient custodial balance and auto-wrap is disabled")
	ErrUserRejected       = errors.New("user rejected the request")
	ErrSubmissionInFlight = errors.New("submission already in flight")
	ErrDuplicateRequest   = errors.New("duplicate request")
	ErrSimulationFailed   = errors.New("transaction simulation failed")
	ErrNotConfirmed       = errors.New("transaction not confirmed")
	ErrEncryptionFailed   = errors.New("encryption failed")
	ErrProofFailed        = errors.New("proof generation failed")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate limited")
	ErrWSDisconnect       = errors.New("websocket disconnected")
	ErrLockHeld           = errors.New("lock already held")
)
