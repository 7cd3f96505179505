package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInvalidKey          = errors.New("invalid key")
	ErrInvalidSpec         = errors.New("invalid specification")
	ErrStaleUpdate         = errors.New("stale update")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrRateLimited         = errors.New("rate limited")
	ErrLockHeld            = errors.New("lock already held")
	ErrCommandRejected     = errors.New("command rejected by exchange")
	ErrAlreadyClosed       = errors.New("order or position already closed")
	ErrTransient           = errors.New("transient failure")
	ErrPersistenceDegraded = errors.New("persistence degraded")
	ErrFeedClosed          = errors.New("feed closed")
	ErrQueueClosed         = errors.New("queue closed")
	ErrUnauthorized        = errors.New("unauthorized")
)

// CommandError is a typed exchange response to a close or cancel command.
// Non-retryable errors are terminal for the command.
type CommandError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("exchange command error %s: %s", e.Code, e.Message)
}

// Is lets errors.Is match the rejection and transient sentinels.
func (e *CommandError) Is(target error) bool {
	if e.Retryable {
		return target == ErrTransient
	}
	return target == ErrCommandRejected
}
