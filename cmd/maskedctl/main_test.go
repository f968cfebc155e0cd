package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/acme/masked-call/internal/domain"
	"github.com/acme/masked-call/internal/queue"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(buf.String(), "maskedctl dev (commit: none") {
		t.Fatalf("unexpected version output: %s", buf.String())
	}
}

func TestSessionCmdRejectsBadID(t *testing.T) {
	for _, args := range [][]string{{"session", "nope"}, {"cancel", "nope"}, {"session"}} {
		cmd := newRootCmd()
		buf := new(bytes.Buffer)
		cmd.SetOut(buf)
		cmd.SetErr(buf)
		cmd.SetArgs(args)

		if err := cmd.Execute(); err == nil {
			t.Fatalf("%v: expected an error", args)
		}
	}
}

func TestFormatSessionHidesNumbers(t *testing.T) {
	s := domain.NewCallSession("+1234567890", "+0987654321", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	d := 45
	reason := "http_503"
	s.VirtualNumber = "+918000000000"
	s.FinalStatus = domain.CallStatusCompleted
	s.Attempts = []domain.CallAttempt{
		{AttemptNumber: 1, Provider: domain.ProviderExotel, Status: domain.CallStatusFailed, FailureReason: &reason},
		{AttemptNumber: 2, Provider: domain.ProviderTwilio, Status: domain.CallStatusCompleted, ProviderCallRef: "CA1", DurationSeconds: &d},
	}

	out := formatSession(s)
	if strings.Contains(out, "1234567890") || strings.Contains(out, "0987654321") {
		t.Fatalf("raw number in output:\n%s", out)
	}
	for _, want := range []string{"+918000000000", "#1 exotel", "reason=http_503", "ref=CA1", "duration=45s"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

type scriptedReader struct {
	msgs []kafka.Message
}

func (r *scriptedReader) ReadMessage(context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func eventMessage(t *testing.T, e queue.LifecycleEvent) kafka.Message {
	t.Helper()
	value, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Key: []byte(e.SessionID.String()), Value: value}
}

func TestTailEventsFiltersBySession(t *testing.T) {
	mine, other := uuid.New(), uuid.New()
	reader := &scriptedReader{msgs: []kafka.Message{
		eventMessage(t, queue.LifecycleEvent{Type: queue.EventAttemptFailed, SessionID: mine, Provider: "exotel", AttemptNumber: 1, Reason: "http_503", RetryInMs: 500}),
		eventMessage(t, queue.LifecycleEvent{Type: queue.EventSessionAccepted, SessionID: other}),
		{Value: []byte("not json"), Offset: 7},
		eventMessage(t, queue.LifecycleEvent{Type: queue.EventSessionAccepted, SessionID: mine, FinalStatus: "in_progress"}),
		eventMessage(t, queue.LifecycleEvent{Type: queue.EventWebhookApplied, SessionID: mine, FinalStatus: "completed"}),
	}}

	buf := new(bytes.Buffer)
	if err := tailEvents(context.Background(), reader, buf, mine, 2); err != nil {
		t.Fatalf("tail: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 2 events and 1 skip notice, got:\n%s", buf.String())
	}
	if !strings.Contains(lines[0], "attempt_failed") || !strings.Contains(lines[0], "retry_in=500ms") {
		t.Fatalf("first line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "offset 7") {
		t.Fatalf("second line = %q", lines[1])
	}
	if !strings.Contains(lines[2], "final=in_progress") {
		t.Fatalf("third line = %q", lines[2])
	}
	if strings.Contains(buf.String(), other.String()) {
		t.Fatalf("foreign session leaked into output")
	}
}
