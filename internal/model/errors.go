package model

import "errors"

// FailureKind classifies why a message ended up failed.
type FailureKind string

const (
	QuotaExceeded    FailureKind = "quota_exceeded"
	TransientFailure FailureKind = "transient_failure"
	PermanentFailure FailureKind = "permanent_failure"
)

// Retryable reports whether the dispatch engine may retry after this kind of
// failure. Quota denial is never retried within the same period.
func (k FailureKind) Retryable() bool {
	return k == TransientFailure
}

var (
	// ErrLogWrite wraps any store failure while recording a transition.
	// It is surfaced to the dispatch engine, never swallowed.
	ErrLogWrite = errors.New("message log write failed")

	// ErrMigration is fatal at startup; the store refuses to open.
	ErrMigration = errors.New("schema migration failed")

	// ErrInvalidTransition is returned when a requested transition is not a
	// legal step of the state machine. Receipt handling treats it as a
	// duplicate/out-of-order receipt and ignores it.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrSessionClosed is returned for writes against a closed session.
	ErrSessionClosed = errors.New("session already closed")

	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMessageNotFound is returned when a message id is unknown within a
	// session.
	ErrMessageNotFound = errors.New("message not found")
)
