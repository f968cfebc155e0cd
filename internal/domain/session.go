package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/acme/masked-call/pkg/errors"
)

// CallAttempt is one provider-level try to place a masked call.
type CallAttempt struct {
	ID              uuid.UUID
	SessionID       uuid.UUID
	Provider        Provider
	AttemptNumber   int
	Status          CallStatus
	ProviderCallRef string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds *int
	FailureReason   *string
}

// ApplyStatus moves the attempt forward. Updates that would move it backwards
// (late ringing after completion, failed after completed) are ignored so that
// duplicate or reordered provider callbacks are harmless. It reports whether
// anything changed.
func (a *CallAttempt) ApplyStatus(status CallStatus, duration *int, reason *string, at time.Time) bool {
	if status.rank() == 0 {
		return false
	}

	if status.rank() < a.Status.rank() {
		return false
	}

	if status == a.Status {
		if duration != nil && a.DurationSeconds == nil {
			d := *duration
			a.DurationSeconds = &d
			return true
		}
		return false
	}

	a.Status = status
	if duration != nil {
		d := *duration
		a.DurationSeconds = &d
	}
	if reason != nil {
		r := *reason
		a.FailureReason = &r
	}
	if status.IsTerminal() && a.EndedAt == nil {
		ended := at
		a.EndedAt = &ended
	}
	return true
}

// CallSession is the logical masked call between a caller and a vehicle owner.
// It exclusively owns its ordered attempts.
type CallSession struct {
	ID            uuid.UUID
	CallerNumber  PhoneNumber
	OwnerNumber   PhoneNumber
	VirtualNumber string
	FinalStatus   CallStatus
	Attempts      []CallAttempt
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
	Obsolete      bool
}

// NewCallSession builds a session in the pending state.
func NewCallSession(caller, owner PhoneNumber, now time.Time) *CallSession {
	return &CallSession{
		ID:           uuid.New(),
		CallerNumber: caller,
		OwnerNumber:  owner,
		FinalStatus:  CallStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NextAttemptNumber returns the 1-based number the next attempt must carry.
func (s *CallSession) NextAttemptNumber() int {
	if len(s.Attempts) == 0 {
		return 1
	}
	return s.Attempts[len(s.Attempts)-1].AttemptNumber + 1
}

// LatestAttempt returns the most recent attempt, or nil.
func (s *CallSession) LatestAttempt() *CallAttempt {
	if len(s.Attempts) == 0 {
		return nil
	}
	return &s.Attempts[len(s.Attempts)-1]
}

// Attempt looks an attempt up by number.
func (s *CallSession) Attempt(number int) *CallAttempt {
	for i := range s.Attempts {
		if s.Attempts[i].AttemptNumber == number {
			return &s.Attempts[i]
		}
	}
	return nil
}

// AppendAttempt adds an attempt, enforcing strictly increasing numbering and
// at most one live attempt per session.
func (s *CallSession) AppendAttempt(attempt CallAttempt) error {
	if attempt.SessionID != s.ID {
		return fmt.Errorf("%w: attempt belongs to another session", apperrors.ErrConflict)
	}
	if latest := s.LatestAttempt(); latest != nil {
		if attempt.AttemptNumber <= latest.AttemptNumber {
			return fmt.Errorf("%w: attempt number %d not after %d", apperrors.ErrConflict, attempt.AttemptNumber, latest.AttemptNumber)
		}
		if !latest.Status.IsTerminal() {
			return fmt.Errorf("%w: attempt %d still live", apperrors.ErrConflict, latest.AttemptNumber)
		}
	} else if attempt.AttemptNumber < 1 {
		return fmt.Errorf("%w: attempt numbers start at 1", apperrors.ErrConflict)
	}
	s.Attempts = append(s.Attempts, attempt)
	return nil
}

// IsTerminal reports whether the session reached a final outcome.
func (s *CallSession) IsTerminal() bool {
	return s.FinalStatus.IsTerminal()
}

// Recompute derives FinalStatus from the attempts. A completed attempt wins
// over everything; a live latest attempt keeps the session open; otherwise
// no_answer beats failed. CompletedAt is stamped on the first terminal
// transition only. It reports whether this call performed that transition.
func (s *CallSession) Recompute(now time.Time) bool {
	if len(s.Attempts) == 0 {
		return false
	}

	status := s.FinalStatus
	latest := s.LatestAttempt()

	switch {
	case s.hasAttempt(CallStatusCompleted):
		status = CallStatusCompleted
	case !latest.Status.IsTerminal():
		status = latest.Status
	case s.hasAttempt(CallStatusNoAnswer):
		status = CallStatusNoAnswer
	default:
		status = CallStatusFailed
	}

	// A terminal session never reopens; only completed may still override.
	if s.FinalStatus.IsTerminal() && !status.IsTerminal() {
		status = s.FinalStatus
	}

	s.FinalStatus = status
	s.UpdatedAt = now

	if status.IsTerminal() && s.CompletedAt == nil {
		completed := now
		s.CompletedAt = &completed
		return true
	}
	return false
}

func (s *CallSession) hasAttempt(status CallStatus) bool {
	for i := range s.Attempts {
		if s.Attempts[i].Status == status {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without sharing state.
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Attempts = make([]CallAttempt, len(s.Attempts))
	for i, a := range s.Attempts {
		out.Attempts[i] = a.clone()
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func (a CallAttempt) clone() CallAttempt {
	out := a
	if a.EndedAt != nil {
		t := *a.EndedAt
		out.EndedAt = &t
	}
	if a.DurationSeconds != nil {
		d := *a.DurationSeconds
		out.DurationSeconds = &d
	}
	if a.FailureReason != nil {
		r := *a.FailureReason
		out.FailureReason = &r
	}
	return out
}
