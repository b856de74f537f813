package resume

import "errors"

var (
	// ErrLockContention means another resume is already driving the
	// conversation. Callers treat it as a no-op.
	ErrLockContention = errors.New("resume already in progress")
	// ErrStaleLock means the held lock no longer names the message being
	// resumed.
	ErrStaleLock = errors.New("stale resume lock")
	// ErrNotResumable means the conversation is in a status resumes skip.
	ErrNotResumable = errors.New("conversation is not resumable")
)

// Reason explains how a resume attempt ended.
type Reason string

const (
	// ReasonCompleted: every tool ran and the turn was continued.
	ReasonCompleted Reason = "completed"
	// ReasonPaused: a tool or the continued turn asked for a new permission.
	ReasonPaused Reason = "paused"
	// ReasonMorePending: other permission blocks still await a decision.
	ReasonMorePending Reason = "more_pending"
	// ReasonContention: another resume holds the lock.
	ReasonContention Reason = "contention"
	// ReasonStaleLock: the lock was taken over; the attempt was abandoned.
	ReasonStaleLock Reason = "stale_lock"
	// ReasonNotResumable: the conversation status does not allow resuming.
	ReasonNotResumable Reason = "not_resumable"
	// ReasonAlreadyResolved: the decision changed nothing.
	ReasonAlreadyResolved Reason = "already_resolved"
)
