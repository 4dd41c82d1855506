package domain

import (
	"time"

	"postflow/internal/failure"
)

type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// QueuedOperation is a pending post waiting to be sent.
type QueuedOperation struct {
	ID             string
	Payload        string
	Priority       Priority
	AttemptCount   int
	LastAttemptAt  *time.Time
	LastError      string
	LastErrorClass failure.Class
	NextEligibleAt time.Time
	// Suspended entries wait for a connectivity-restored signal.
	Suspended bool
	CreatedAt time.Time
}

// Eligible reports whether the entry may be drained at now.
func (o QueuedOperation) Eligible(now time.Time) bool {
	return !o.Suspended && !o.NextEligibleAt.After(now)
}

type ArchiveReason string

const (
	ArchiveMaxAttempts ArchiveReason = "max_attempts"
)

type ArchivedOperation struct {
	QueuedOperation
	Reason     ArchiveReason
	ArchivedAt time.Time
}

// CredentialState is the refresh bookkeeping for the short-lived credential.
type CredentialState struct {
	ExpiresAt           *time.Time
	RefreshAttemptCount int
	LastAttemptAt       *time.Time
	LastFailureAt       *time.Time
	LastFailureClass    failure.Class
	NextAttemptAt       *time.Time
	RateLimitResetAt    *time.Time
	ReauthRequired      bool
}

// ResetBackoff clears failure bookkeeping after a successful refresh.
func (s *CredentialState) ResetBackoff() {
	s.RefreshAttemptCount = 0
	s.LastFailureAt = nil
	s.LastFailureClass = ""
	s.NextAttemptAt = nil
	s.RateLimitResetAt = nil
}

type LifecycleSignal string

const (
	LifecycleForeground LifecycleSignal = "foreground"
	LifecycleBackground LifecycleSignal = "background"
	LifecycleSleep      LifecycleSignal = "sleep"
	LifecycleWake       LifecycleSignal = "wake"
)

func (s LifecycleSignal) Valid() bool {
	switch s {
	case LifecycleForeground, LifecycleBackground, LifecycleSleep, LifecycleWake:
		return true
	}
	return false
}
