package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/acme/masked-call/pkg/errors"
)

func newAttempt(s *CallSession, status CallStatus) CallAttempt {
	return CallAttempt{
		ID:            uuid.New(),
		SessionID:     s.ID,
		Provider:      ProviderExotel,
		AttemptNumber: s.NextAttemptNumber(),
		Status:        status,
		StartedAt:     time.Now().UTC(),
	}
}

func TestParsePhoneNumber(t *testing.T) {
	valid := []string{"+1234567890", "+0987654321", "+91 98765-43210", "(555) 123 4567"}
	for _, v := range valid {
		if _, err := ParsePhoneNumber(v); err != nil {
			t.Errorf("expected %q to be valid: %v", v, err)
		}
	}

	invalid := []string{"", "abc", "+12", "+1234567890123456", "12a4567890"}
	for _, v := range invalid {
		_, err := ParsePhoneNumber(v)
		if !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("expected validation error for %q, got %v", v, err)
		}
	}
}

func TestSameSubscriberIgnoresPlus(t *testing.T) {
	a, _ := ParsePhoneNumber("+1234567890")
	b, _ := ParsePhoneNumber("123-456-7890")
	c, _ := ParsePhoneNumber("+0987654321")
	if !a.SameSubscriber(b) {
		t.Fatalf("expected numbers differing only by plus to match")
	}
	if a.SameSubscriber(c) {
		t.Fatalf("distinct numbers must not match")
	}
}

func TestPhoneNumberNeverRenders(t *testing.T) {
	s := NewCallSession("+1234567890", "+0987654321", time.Now())

	rendered := []string{fmt.Sprintf("%v", s), fmt.Sprintf("%+v", *s), fmt.Sprintf("%#v", s.CallerNumber)}
	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rendered = append(rendered, string(raw))

	for _, out := range rendered {
		if strings.Contains(out, "1234567890") || strings.Contains(out, "0987654321") {
			t.Fatalf("raw number leaked: %s", out)
		}
	}
	if s.CallerNumber.Raw() != "+1234567890" {
		t.Fatalf("expected raw accessor to return digits")
	}
}

func TestParseProvider(t *testing.T) {
	if p, err := ParseProvider(" Twilio "); err != nil || p != ProviderTwilio {
		t.Fatalf("expected twilio, got %q %v", p, err)
	}
	for _, v := range []string{"", "unknown", "exotel2"} {
		if _, err := ParseProvider(v); !errors.Is(err, apperrors.ErrUnknownProvider) {
			t.Fatalf("expected unknown provider for %q, got %v", v, err)
		}
	}
}

func TestAppendAttemptInvariants(t *testing.T) {
	s := NewCallSession("+1234567890", "+0987654321", time.Now())

	first := newAttempt(s, CallStatusPending)
	if err := s.AppendAttempt(first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.AppendAttempt(newAttempt(s, CallStatusPending)); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict while attempt is live, got %v", err)
	}

	s.Attempts[0].Status = CallStatusFailed
	stale := newAttempt(s, CallStatusPending)
	stale.AttemptNumber = 1
	if err := s.AppendAttempt(stale); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict for non-increasing number, got %v", err)
	}

	if err := s.AppendAttempt(newAttempt(s, CallStatusPending)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.NextAttemptNumber() != 3 {
		t.Fatalf("expected next attempt 3, got %d", s.NextAttemptNumber())
	}
}

func TestApplyStatusIsMonotonic(t *testing.T) {
	a := CallAttempt{Status: CallStatusPending}
	now := time.Now()
	duration := 45

	if !a.ApplyStatus(CallStatusCompleted, &duration, nil, now) {
		t.Fatalf("expected change")
	}
	if a.EndedAt == nil || a.DurationSeconds == nil || *a.DurationSeconds != 45 {
		t.Fatalf("expected ended and duration set: %+v", a)
	}

	reason := "late"
	if a.ApplyStatus(CallStatusFailed, nil, &reason, now.Add(time.Second)) {
		t.Fatalf("completed must not regress to failed")
	}
	if a.ApplyStatus(CallStatusRinging, nil, nil, now) {
		t.Fatalf("completed must not regress to ringing")
	}
	if a.Status != CallStatusCompleted || a.FailureReason != nil {
		t.Fatalf("unexpected attempt state: %+v", a)
	}
}

func TestRecomputePrecedence(t *testing.T) {
	now := time.Now()
	s := NewCallSession("+1234567890", "+0987654321", now)

	failed := newAttempt(s, CallStatusFailed)
	_ = s.AppendAttempt(failed)
	live := newAttempt(s, CallStatusInProgress)
	_ = s.AppendAttempt(live)

	if s.Recompute(now) {
		t.Fatalf("live attempt must keep session open")
	}
	if s.FinalStatus != CallStatusInProgress {
		t.Fatalf("expected in_progress, got %s", s.FinalStatus)
	}

	s.Attempts[1].Status = CallStatusNoAnswer
	if !s.Recompute(now) {
		t.Fatalf("expected first terminal transition")
	}
	if s.FinalStatus != CallStatusNoAnswer {
		t.Fatalf("expected no_answer over failed, got %s", s.FinalStatus)
	}
	stamped := *s.CompletedAt

	s.Attempts[1].Status = CallStatusCompleted
	if s.Recompute(now.Add(time.Minute)) {
		t.Fatalf("completedAt must only be stamped once")
	}
	if s.FinalStatus != CallStatusCompleted {
		t.Fatalf("expected completed to win, got %s", s.FinalStatus)
	}
	if !s.CompletedAt.Equal(stamped) {
		t.Fatalf("completedAt moved from %v to %v", stamped, *s.CompletedAt)
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := NewCallSession("+1234567890", "+0987654321", time.Now())
	_ = s.AppendAttempt(newAttempt(s, CallStatusPending))

	c := s.Clone()
	c.Attempts[0].Status = CallStatusCompleted
	if s.Attempts[0].Status != CallStatusPending {
		t.Fatalf("clone shares attempts with original")
	}
}
