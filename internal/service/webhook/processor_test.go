package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/masked-call/internal/config"
	"github.com/acme/masked-call/internal/domain"
	"github.com/acme/masked-call/internal/queue"
	"github.com/acme/masked-call/internal/repository"
	"github.com/acme/masked-call/internal/repository/memory"
	"github.com/acme/masked-call/internal/service/orchestrator"
	"github.com/acme/masked-call/internal/service/policy"
	"github.com/acme/masked-call/internal/telephony"
	"github.com/acme/masked-call/internal/telephony/exotel"
	"github.com/acme/masked-call/internal/telephony/signature"
	apperrors "github.com/acme/masked-call/pkg/errors"
)

const secret = "whsec"

type deadLetters struct {
	mu   sync.Mutex
	msgs []queue.DeadLetterMessage
}

func (d *deadLetters) PublishDeadLetter(_ context.Context, m queue.DeadLetterMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, m)
	return nil
}

type harness struct {
	proc   *Processor
	repo   *memory.CallLogRepository
	audit  *memory.WebhookAuditStore
	dead   *deadLetters
	sleeps []time.Duration
}

func exotelRegistry(t *testing.T, baseURL string) *telephony.Registry {
	t.Helper()
	adapter, err := exotel.New(config.ExotelConfig{
		BaseURL:       baseURL,
		AccountSID:    "acme",
		APIKey:        "key",
		APIToken:      "token",
		VirtualNumber: "+918000000000",
		SigningSecret: secret,
	}, nil)
	if err != nil {
		t.Fatalf("exotel: %v", err)
	}
	registry, err := telephony.NewRegistry(adapter)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return registry
}

func newHarness(t *testing.T, repo *memory.CallLogRepository, registry *telephony.Registry) *harness {
	t.Helper()
	h := &harness{repo: repo, audit: memory.NewWebhookAuditStore(), dead: &deadLetters{}}
	proc, err := NewProcessor(Dependencies{
		Repository:  repo,
		Adapters:    registry,
		Audit:       h.audit,
		DeadLetters: h.dead,
	}, Settings{LookupAttempts: 3, LookupDelay: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("processor: %v", err)
	}
	proc.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	h.proc = proc
	return h
}

// seed stores a session whose attempts carry the given statuses and refs.
func seed(t *testing.T, repo *memory.CallLogRepository, attempts ...domain.CallAttempt) *domain.CallSession {
	t.Helper()
	caller, _ := domain.ParsePhoneNumber("+1234567890")
	owner, _ := domain.ParsePhoneNumber("+0987654321")
	session := domain.NewCallSession(caller, owner, time.Now().UTC())
	session.VirtualNumber = "+918000000000"
	for i, a := range attempts {
		a.ID = uuid.New()
		a.SessionID = session.ID
		a.AttemptNumber = i + 1
		if a.Provider == "" {
			a.Provider = domain.ProviderExotel
		}
		session.Attempts = append(session.Attempts, a)
	}
	session.Recompute(time.Now().UTC())
	if err := repo.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return session
}

func signed(body string) ([]byte, string) {
	raw := []byte(body)
	return raw, signature.SignHMACSHA256(secret, raw)
}

func TestInvalidSignatureNeverMutates(t *testing.T) {
	repo := memory.NewCallLogRepository()
	h := newHarness(t, repo, exotelRegistry(t, ""))
	session := seed(t, repo, domain.CallAttempt{Status: domain.CallStatusInProgress, ProviderCallRef: "exo-1"})

	raw := []byte("CallSid=exo-1&CallStatus=completed&CallDuration=45")
	_, err := h.proc.HandleWebhook(context.Background(), "exotel", raw, "deadbeef", "")
	if !errors.Is(err, apperrors.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	got, _ := repo.GetSession(context.Background(), session.ID)
	if got.FinalStatus != domain.CallStatusInProgress || got.Attempts[0].Status != domain.CallStatusInProgress || got.CompletedAt != nil {
		t.Fatalf("rejected webhook mutated state: %+v", got.Attempts[0])
	}

	if len(h.dead.msgs) != 1 || h.dead.msgs[0].Reason != "invalid_signature" {
		t.Fatalf("dead letters = %+v", h.dead.msgs)
	}
	if h.dead.msgs[0].ProviderCallRef != "" {
		t.Fatalf("unverified body must not be parsed")
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	repo := memory.NewCallLogRepository()
	h := newHarness(t, repo, exotelRegistry(t, ""))
	session := seed(t, repo, domain.CallAttempt{Status: domain.CallStatusInProgress, ProviderCallRef: "exo-1"})

	raw, sig := signed(`{"CallSid":"exo-1","Status":"completed","ConversationDuration":45}`)

	first := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	h.proc.now = func() time.Time { return first }
	ack, err := h.proc.HandleWebhook(context.Background(), "exotel", raw, sig, "")
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if ack.Duplicate || ack.FinalStatus != domain.CallStatusCompleted || ack.SessionID != session.ID {
		t.Fatalf("ack = %+v", ack)
	}

	h.proc.now = func() time.Time { return first.Add(time.Minute) }
	ack, err = h.proc.HandleWebhook(context.Background(), "exotel", raw, sig, "")
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !ack.Duplicate {
		t.Fatalf("second delivery not flagged duplicate")
	}

	got, _ := repo.GetSession(context.Background(), session.ID)
	if got.CompletedAt == nil || !got.CompletedAt.Equal(first) {
		t.Fatalf("completedAt = %v, want %v", got.CompletedAt, first)
	}
	if d := got.Attempts[0].DurationSeconds; d == nil || *d != 45 {
		t.Fatalf("duration = %v", d)
	}

	trail, _, err := h.proc.AuditTrail(context.Background(), "exotel", "exo-1", 10, nil)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(trail) != 2 || trail[0].Outcome != repository.WebhookApplied || trail[1].Outcome != repository.WebhookDuplicate {
		t.Fatalf("audit trail = %+v", trail)
	}
}

func TestUnknownReferenceAfterGraceWindow(t *testing.T) {
	repo := memory.NewCallLogRepository()
	h := newHarness(t, repo, exotelRegistry(t, ""))

	raw, sig := signed(`{"CallSid":"nope","Status":"completed"}`)
	_, err := h.proc.HandleWebhook(context.Background(), "exotel", raw, sig, "")
	if !errors.Is(err, apperrors.ErrUnknownCallReference) {
		t.Fatalf("expected unknown reference, got %v", err)
	}
	if len(h.sleeps) != 2 || h.sleeps[1] != 2*h.sleeps[0] {
		t.Fatalf("grace window delays = %v", h.sleeps)
	}
	if len(h.dead.msgs) != 1 || h.dead.msgs[0].Outcome != string(repository.WebhookUnmatched) {
		t.Fatalf("dead letters = %+v", h.dead.msgs)
	}
}

func TestGraceWindowCatchesLateReference(t *testing.T) {
	repo := memory.NewCallLogRepository()
	h := newHarness(t, repo, exotelRegistry(t, ""))
	session := seed(t, repo, domain.CallAttempt{Status: domain.CallStatusPending})

	h.proc.sleep = func(context.Context, time.Duration) error {
		_, err := repo.UpdateSession(context.Background(), session.ID, func(s *domain.CallSession) error {
			s.LatestAttempt().ProviderCallRef = "late-1"
			return nil
		})
		return err
	}

	raw, sig := signed(`{"CallSid":"late-1","Status":"ringing"}`)
	ack, err := h.proc.HandleWebhook(context.Background(), "exotel", raw, sig, "")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if ack.Status != domain.CallStatusRinging || ack.FinalStatus != domain.CallStatusRinging {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestFinalStatusPrecedence(t *testing.T) {
	repo := memory.NewCallLogRepository()
	h := newHarness(t, repo, exotelRegistry(t, ""))
	session := seed(t, repo,
		domain.CallAttempt{Status: domain.CallStatusFailed, ProviderCallRef: "a-1"},
		domain.CallAttempt{Status: domain.CallStatusRinging, ProviderCallRef: "a-2"},
	)

	raw, sig := signed(`{"CallSid":"a-2","Status":"busy"}`)
	ack, err := h.proc.HandleWebhook(context.Background(), "exotel", raw, sig, "")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if ack.FinalStatus != domain.CallStatusNoAnswer {
		t.Fatalf("no_answer must beat failed, got %s", ack.FinalStatus)
	}

	raw, sig = signed(`{"CallSid":"a-1","Status":"completed"}`)
	ack, err = h.proc.HandleWebhook(context.Background(), "exotel", raw, sig, "")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if ack.FinalStatus != domain.CallStatusCompleted {
		t.Fatalf("completed must beat no_answer, got %s", ack.FinalStatus)
	}

	raw, sig = signed(`{"CallSid":"a-2","Status":"ringing"}`)
	ack, err = h.proc.HandleWebhook(context.Background(), "exotel", raw, sig, "")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !ack.Duplicate || ack.Status != domain.CallStatusNoAnswer {
		t.Fatalf("stale ringing moved attempt backwards: %+v", ack)
	}

	got, _ := repo.GetSession(context.Background(), session.ID)
	if got.FinalStatus != domain.CallStatusCompleted {
		t.Fatalf("final = %s", got.FinalStatus)
	}
}

func TestRejectsUnknownProviderAndMalformedPayload(t *testing.T) {
	repo := memory.NewCallLogRepository()
	h := newHarness(t, repo, exotelRegistry(t, ""))

	if _, err := h.proc.HandleWebhook(context.Background(), "plivo", []byte("{}"), "", ""); !errors.Is(err, apperrors.ErrUnknownProvider) {
		t.Fatalf("expected unknown provider, got %v", err)
	}

	raw, sig := signed(`{"Status":"completed"}`)
	if _, err := h.proc.HandleWebhook(context.Background(), "exotel", raw, sig, ""); !errors.Is(err, apperrors.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
	if len(h.dead.msgs) != 2 {
		t.Fatalf("dead letters = %d", len(h.dead.msgs))
	}
}

// An exotel call that fails twice transiently is accepted on the third try
// and later finalised by its completion callback.
func TestRetriedCallCompletesViaWebhook(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"Call":{"Sid":"exo-call-1","Status":"in-progress"}}`))
	}))
	defer srv.Close()

	registry := exotelRegistry(t, srv.URL)
	repo := memory.NewCallLogRepository()

	pol, err := policy.New(policy.Config{
		MaxAttempts:     3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		Providers:       []domain.Provider{domain.ProviderExotel},
		FallbackEnabled: true,
	})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	orch, err := orchestrator.New(orchestrator.Dependencies{Repository: repo, Adapters: registry, Policy: pol}, orchestrator.Settings{})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	session, err := orch.InitiateMaskedCall(context.Background(), "+1234567890", "+0987654321", "https://hooks.example.com")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if len(session.Attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(session.Attempts))
	}
	for _, a := range session.Attempts {
		if a.Provider != domain.ProviderExotel {
			t.Fatalf("unexpected provider %s", a.Provider)
		}
	}
	if session.FinalStatus != domain.CallStatusInProgress {
		t.Fatalf("final status = %s", session.FinalStatus)
	}

	h := newHarness(t, repo, registry)
	raw, sig := signed("CallSid=exo-call-1&CallStatus=completed&CallDuration=45")
	ack, err := h.proc.HandleWebhook(context.Background(), "exotel", raw, sig, "")
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if ack.FinalStatus != domain.CallStatusCompleted || ack.AttemptNumber != 3 {
		t.Fatalf("ack = %+v", ack)
	}

	got, _ := repo.GetSession(context.Background(), session.ID)
	last := got.LatestAttempt()
	if last.DurationSeconds == nil || *last.DurationSeconds != 45 {
		t.Fatalf("duration = %v", last.DurationSeconds)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completedAt not set")
	}
}

type stalledLifecycle struct{}

func (stalledLifecycle) PublishLifecycle(ctx context.Context, _ queue.LifecycleEvent) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish without deadline")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestStalledBrokerDoesNotHoldWebhook(t *testing.T) {
	repo := memory.NewCallLogRepository()
	h := newHarness(t, repo, exotelRegistry(t, ""))
	h.proc.events = stalledLifecycle{}
	h.proc.publishTimeout = 20 * time.Millisecond
	session := seed(t, repo, domain.CallAttempt{Status: domain.CallStatusInProgress, ProviderCallRef: "exo-1"})

	raw, sig := signed("CallSid=exo-1&CallStatus=completed&CallDuration=45")
	done := make(chan error, 1)
	go func() {
		_, err := h.proc.HandleWebhook(context.Background(), "exotel", raw, sig, "")
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("webhook blocked on the event publisher")
	}

	got, _ := repo.GetSession(context.Background(), session.ID)
	if got.FinalStatus != domain.CallStatusCompleted {
		t.Fatalf("final status = %s", got.FinalStatus)
	}
}
