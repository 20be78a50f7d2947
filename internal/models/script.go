package models

import "time"

// ScriptID identifies a script within one session. Ids are issued from a
// per-session counter and never reused.
type ScriptID int64

type ScriptStatus string

const (
	ScriptStatusPending   ScriptStatus = "pending"
	ScriptStatusRunning   ScriptStatus = "running"
	ScriptStatusSucceeded ScriptStatus = "succeeded"
	ScriptStatusFailed    ScriptStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s ScriptStatus) Terminal() bool {
	return s == ScriptStatusSucceeded || s == ScriptStatusFailed
}

// CanTransition reports whether moving from s to next is allowed.
// Status only moves forward: pending -> running -> succeeded|failed.
func (s ScriptStatus) CanTransition(next ScriptStatus) bool {
	switch s {
	case ScriptStatusPending:
		return next == ScriptStatusRunning
	case ScriptStatusRunning:
		return next == ScriptStatusSucceeded || next == ScriptStatusFailed
	default:
		return false
	}
}

type ErrorKind string

const (
	ErrorKindSyntax   ErrorKind = "syntax"
	ErrorKindRuntime  ErrorKind = "runtime"
	ErrorKindTimeout  ErrorKind = "timeout"
	ErrorKindResource ErrorKind = "resource"
	ErrorKindInternal ErrorKind = "internal"
)

type ScriptRecord struct {
	ID        ScriptID
	SessionID string
	Script    string
	Status    ScriptStatus

	// Output is the captured output. For failed scripts it holds whatever
	// was printed before the error.
	Output     string
	Diagnostic string
	ErrorKind  ErrorKind

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Duration returns how long the script ran, or zero if it has not finished.
func (r ScriptRecord) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}
