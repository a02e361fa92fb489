package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when a session id is unknown, or is
// soft-deleted and being accessed through a path that excludes the trash.
var ErrSessionNotFound = errors.New("session not found")

// ErrDuplicateSession is returned when a create collides with an
// existing session_id. Session ids are client-generated UUIDs so this is
// not expected in normal flow, but a racing double-create must fail
// cleanly rather than silently overwrite.
var ErrDuplicateSession = errors.New("session already exists")

// ConflictError is an optimistic-lock failure: the row moved past the
// version the caller based its edit on. It carries both versions so the
// caller can render "your version N vs current version M".
type ConflictError struct {
	SessionID        string
	AttemptedVersion int64
	CurrentVersion   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on session %s: attempted %d, current %d",
		e.SessionID, e.AttemptedVersion, e.CurrentVersion)
}

// LockedError means another identity holds a non-expired advisory lock.
type LockedError struct {
	SessionID string
	LockedBy  string
	LockedAt  time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("session %s locked by %s since %s",
		e.SessionID, e.LockedBy, e.LockedAt.Format(time.RFC3339))
}
