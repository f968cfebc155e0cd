// Package webhook applies provider status callbacks to the call log.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/masked-call/internal/domain"
	"github.com/acme/masked-call/internal/queue"
	"github.com/acme/masked-call/internal/repository"
	"github.com/acme/masked-call/internal/telephony"
	apperrors "github.com/acme/masked-call/pkg/errors"
	"github.com/acme/masked-call/pkg/logger"
)

// LifecyclePublisher receives session updates caused by callbacks.
type LifecyclePublisher interface {
	PublishLifecycle(ctx context.Context, event queue.LifecycleEvent) error
}

// DeadLetterPublisher receives callbacks that could not be applied.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, msg queue.DeadLetterMessage) error
}

// Dependencies for the processor. Audit, Events, DeadLetters and Logger are
// optional.
type Dependencies struct {
	Repository  repository.CallLogRepository
	Adapters    *telephony.Registry
	Audit       repository.WebhookAuditStore
	Events      LifecyclePublisher
	DeadLetters DeadLetterPublisher
	Logger      *zap.Logger
}

// Settings bound the grace window for callbacks that outrun the orchestrator
// and the time spent publishing events and dead letters.
type Settings struct {
	LookupAttempts int
	LookupDelay    time.Duration
	PublishTimeout time.Duration
}

// Ack summarises an applied callback.
type Ack struct {
	SessionID     uuid.UUID         `json:"session_id"`
	AttemptNumber int               `json:"attempt_number"`
	Status        domain.CallStatus `json:"status"`
	FinalStatus   domain.CallStatus `json:"final_status"`
	Duplicate     bool              `json:"duplicate"`
}

// Processor applies provider status callbacks to the call log. It is safe
// for concurrent use.
type Processor struct {
	repo        repository.CallLogRepository
	adapters    *telephony.Registry
	audit       repository.WebhookAuditStore
	events      LifecyclePublisher
	deadLetters DeadLetterPublisher
	logger      *zap.Logger
	tracer      trace.Tracer

	lookupAttempts int
	lookupDelay    time.Duration
	publishTimeout time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewProcessor wires a processor. Audit, Events, DeadLetters and Logger are
// optional.
func NewProcessor(deps Dependencies, settings Settings) (*Processor, error) {
	if deps.Repository == nil || deps.Adapters == nil {
		return nil, fmt.Errorf("%w: webhook processor needs a repository and adapters", apperrors.ErrConfiguration)
	}
	if settings.LookupAttempts <= 0 {
		settings.LookupAttempts = 1
	}
	if settings.LookupDelay < 0 {
		settings.LookupDelay = 0
	}
	if settings.PublishTimeout <= 0 {
		settings.PublishTimeout = 2 * time.Second
	}

	p := &Processor{
		repo:           deps.Repository,
		adapters:       deps.Adapters,
		audit:          deps.Audit,
		events:         deps.Events,
		deadLetters:    deps.DeadLetters,
		logger:         deps.Logger,
		tracer:         otel.Tracer("maskedcall.webhook"),
		lookupAttempts: settings.LookupAttempts,
		lookupDelay:    settings.LookupDelay,
		publishTimeout: settings.PublishTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		sleep:          sleepCtx,
	}
	if p.events == nil || p.deadLetters == nil {
		discard := queue.Discard{}
		if p.events == nil {
			p.events = discard
		}
		if p.deadLetters == nil {
			p.deadLetters = discard
		}
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p, nil
}

// HandleWebhook verifies, parses and applies one callback. The signature is
// checked before the body is parsed; a rejected callback never mutates state.
func (p *Processor) HandleWebhook(ctx context.Context, provider string, rawBody []byte, signature, callbackURL string) (*Ack, error) {
	receivedAt := p.now()
	digest := domain.PayloadDigest(rawBody)

	ctx, span := p.tracer.Start(ctx, "webhook.handle", trace.WithAttributes(
		attribute.String("payload.digest", digest),
	))
	defer span.End()

	rec := repository.WebhookAuditRecord{
		ID:            uuid.New(),
		Provider:      domain.Provider("unknown"),
		PayloadDigest: digest,
		ReceivedAt:    receivedAt,
	}

	adapter, err := p.adapters.Lookup(provider)
	if err != nil {
		return nil, p.fail(ctx, span, rec, repository.WebhookRejected, "unknown_provider", err)
	}
	rec.Provider = adapter.Provider()
	span.SetAttributes(attribute.String("provider", rec.Provider.String()))

	if !adapter.ValidateSignature(rawBody, signature, callbackURL) {
		return nil, p.fail(ctx, span, rec, repository.WebhookRejected, "invalid_signature", apperrors.ErrInvalidSignature)
	}

	event, err := adapter.ParseWebhook(rawBody)
	if err != nil {
		return nil, p.fail(ctx, span, rec, repository.WebhookMalformed, "malformed_payload", err)
	}
	rec.ProviderCallRef = event.ProviderCallRef
	rec.Status = event.Status
	rec.RawStatus = event.RawStatus
	span.SetAttributes(attribute.String("provider.call_ref", event.ProviderCallRef))

	attempt, err := p.lookup(ctx, rec.Provider, event.ProviderCallRef)
	if err != nil {
		if errors.Is(err, apperrors.ErrUnknownCallReference) {
			return nil, p.fail(ctx, span, rec, repository.WebhookUnmatched, "unknown_call_reference", err)
		}
		return nil, p.fail(ctx, span, rec, repository.WebhookFailed, "lookup_failed", err)
	}
	sessionID := attempt.SessionID
	rec.SessionID = &sessionID
	rec.AttemptNumber = attempt.AttemptNumber

	var changed, finalised bool
	session, err := p.repo.UpdateSession(ctx, attempt.SessionID, func(s *domain.CallSession) error {
		a := s.Attempt(attempt.AttemptNumber)
		if a == nil {
			return fmt.Errorf("%w: attempt %d missing from session", apperrors.ErrConflict, attempt.AttemptNumber)
		}
		at := event.ReceivedAt
		if at.IsZero() {
			at = receivedAt
		}
		changed = a.ApplyStatus(event.Status, event.DurationSeconds, event.FailureReason, at)
		if changed {
			finalised = s.Recompute(p.now())
		}
		return nil
	})
	if err != nil {
		return nil, p.fail(ctx, span, rec, repository.WebhookFailed, "update_failed", err)
	}

	applied := session.Attempt(attempt.AttemptNumber)
	ack := &Ack{
		SessionID:     session.ID,
		AttemptNumber: applied.AttemptNumber,
		Status:        applied.Status,
		FinalStatus:   session.FinalStatus,
		Duplicate:     !changed,
	}

	rec.Outcome = repository.WebhookApplied
	if !changed {
		rec.Outcome = repository.WebhookDuplicate
	}
	p.record(ctx, rec)

	log := p.logger.With(logger.TraceFields(ctx)...).With(
		zap.String("session_id", session.ID.String()),
		zap.String("provider", rec.Provider.String()),
		zap.String("provider_call_ref", event.ProviderCallRef),
		zap.String("virtual_number", session.VirtualNumber),
	)
	if !changed {
		log.Debug("webhook: duplicate or stale callback ignored", zap.String("status", string(event.Status)))
		return ack, nil
	}

	log.Info("webhook: callback applied",
		zap.String("status", string(applied.Status)),
		zap.String("final_status", string(session.FinalStatus)),
		zap.Bool("finalised", finalised),
	)
	pctx, cancel := p.publishContext(ctx)
	defer cancel()
	if err := p.events.PublishLifecycle(pctx, queue.LifecycleEvent{
		Type:            queue.EventWebhookApplied,
		SessionID:       session.ID,
		Provider:        rec.Provider.String(),
		AttemptNumber:   applied.AttemptNumber,
		Status:          string(applied.Status),
		FinalStatus:     string(session.FinalStatus),
		ProviderCallRef: applied.ProviderCallRef,
		VirtualNumber:   session.VirtualNumber,
		DurationSeconds: applied.DurationSeconds,
		OccurredAt:      p.now(),
		CompletedAt:     session.CompletedAt,
	}); err != nil {
		log.Warn("webhook: publish lifecycle event", zap.Error(err))
	}
	return ack, nil
}

// lookup resolves the attempt, retrying with doubling delays while the
// orchestrator may still be writing the provider reference.
func (p *Processor) lookup(ctx context.Context, provider domain.Provider, ref string) (*domain.CallAttempt, error) {
	delay := p.lookupDelay
	for i := 0; i < p.lookupAttempts; i++ {
		attempt, err := p.repo.FindAttemptByProviderRef(ctx, provider, ref)
		if err == nil {
			return attempt, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		if i+1 < p.lookupAttempts && delay > 0 {
			if err := p.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
		}
	}
	return nil, apperrors.ErrUnknownCallReference
}

func (p *Processor) fail(ctx context.Context, span trace.Span, rec repository.WebhookAuditRecord, outcome repository.WebhookOutcome, reason string, err error) error {
	span.RecordError(err)
	rec.Outcome = outcome
	rec.Reason = reason
	p.record(ctx, rec)

	p.logger.Warn("webhook: callback not applied",
		zap.String("provider", rec.Provider.String()),
		zap.String("provider_call_ref", rec.ProviderCallRef),
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason),
		zap.String("digest", rec.PayloadDigest),
	)

	pctx, cancel := p.publishContext(ctx)
	defer cancel()
	if dlErr := p.deadLetters.PublishDeadLetter(pctx, queue.DeadLetterMessage{
		Provider:        rec.Provider.String(),
		ProviderCallRef: rec.ProviderCallRef,
		Outcome:         string(outcome),
		Reason:          reason,
		PayloadDigest:   rec.PayloadDigest,
		ReceivedAt:      rec.ReceivedAt,
	}); dlErr != nil {
		p.logger.Warn("webhook: publish dead letter", zap.Error(dlErr))
	}
	return err
}

// publishContext detaches from the request so a disconnecting provider does
// not drop the event, but bounds the wait on the broker.
func (p *Processor) publishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.publishTimeout)
}

func (p *Processor) record(ctx context.Context, rec repository.WebhookAuditRecord) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Record(context.WithoutCancel(ctx), rec); err != nil {
		p.logger.Warn("webhook: audit record", zap.String("digest", rec.PayloadDigest), zap.Error(err))
	}
}

// AuditTrail pages through the recorded callbacks for one provider call.
func (p *Processor) AuditTrail(ctx context.Context, provider string, ref string, limit int, pagingState []byte) ([]repository.WebhookAuditRecord, []byte, error) {
	if p.audit == nil {
		return nil, nil, fmt.Errorf("%w: webhook audit trail is not configured", apperrors.ErrUnavailable)
	}
	adapter, err := p.adapters.Lookup(provider)
	if err != nil {
		return nil, nil, err
	}
	return p.audit.ListByRef(ctx, adapter.Provider(), ref, limit, pagingState)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SignatureHeader names the request header carrying the provider's
// signature, or "" for an unknown provider.
func (p *Processor) SignatureHeader(provider string) string {
	adapter, err := p.adapters.Lookup(provider)
	if err != nil {
		return ""
	}
	return adapter.SignatureHeader()
}
