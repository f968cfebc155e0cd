// Package orchestrator places masked calls: it validates the request, records
// the session, and drives attempts through the retry/fallback policy across
// the configured providers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/masked-call/internal/domain"
	"github.com/acme/masked-call/internal/queue"
	"github.com/acme/masked-call/internal/repository"
	"github.com/acme/masked-call/internal/service/cancellation"
	"github.com/acme/masked-call/internal/service/policy"
	"github.com/acme/masked-call/internal/telephony"
	apperrors "github.com/acme/masked-call/pkg/errors"
	"github.com/acme/masked-call/pkg/logger"
)

// EventPublisher receives lifecycle events. Publishing is best effort and
// bounded by Settings.PublishTimeout.
type EventPublisher interface {
	PublishLifecycle(ctx context.Context, event queue.LifecycleEvent) error
}

// Throttle limits initiations per owner.
type Throttle interface {
	Allow(ctx context.Context, owner domain.PhoneNumber) (bool, error)
}

// Dependencies are the collaborators the orchestrator is built from.
// Events, Cancellation, Throttle and Logger are optional.
type Dependencies struct {
	Repository   repository.CallLogRepository
	Adapters     *telephony.Registry
	Policy       *policy.Policy
	Events       EventPublisher
	Cancellation cancellation.Registry
	Throttle     Throttle
	Logger       *zap.Logger
}

// Settings tunes outbound timeouts.
type Settings struct {
	RequestTimeout time.Duration
	ProbeTimeout   time.Duration
	PublishTimeout time.Duration
}

// Orchestrator is safe for concurrent use; each call runs independently and
// the repository is the only shared state.
type Orchestrator struct {
	repo     repository.CallLogRepository
	adapters *telephony.Registry
	policy   *policy.Policy
	events   EventPublisher
	cancels  cancellation.Registry
	throttle Throttle
	logger   *zap.Logger
	tracer   trace.Tracer

	requestTimeout time.Duration
	probeTimeout   time.Duration
	publishTimeout time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration, obsolete <-chan struct{}) error
}

// New wires an orchestrator. Every provider in the policy order must have a
// configured adapter.
func New(deps Dependencies, settings Settings) (*Orchestrator, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("%w: call log repository is required", apperrors.ErrConfiguration)
	}
	if deps.Adapters == nil || deps.Policy == nil {
		return nil, fmt.Errorf("%w: adapters and policy are required", apperrors.ErrConfiguration)
	}
	for _, p := range deps.Policy.Config().Providers {
		if _, ok := deps.Adapters.Get(p); !ok {
			return nil, fmt.Errorf("%w: provider %s has no configured adapter", apperrors.ErrConfiguration, p)
		}
	}

	if settings.RequestTimeout <= 0 {
		settings.RequestTimeout = 10 * time.Second
	}
	if settings.ProbeTimeout <= 0 {
		settings.ProbeTimeout = 3 * time.Second
	}
	if settings.PublishTimeout <= 0 {
		settings.PublishTimeout = 2 * time.Second
	}

	o := &Orchestrator{
		repo:           deps.Repository,
		adapters:       deps.Adapters,
		policy:         deps.Policy,
		events:         deps.Events,
		cancels:        deps.Cancellation,
		throttle:       deps.Throttle,
		logger:         deps.Logger,
		tracer:         otel.Tracer("maskedcall.orchestrator"),
		requestTimeout: settings.RequestTimeout,
		probeTimeout:   settings.ProbeTimeout,
		publishTimeout: settings.PublishTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		sleep:          waitFor,
	}
	if o.events == nil {
		o.events = queue.Discard{}
	}
	if o.cancels == nil {
		o.cancels = cancellation.NewLocalRegistry()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o, nil
}

// InitiateMaskedCall connects caller and owner through the first provider
// that accepts the call. It returns the session as of acceptance; the final
// outcome arrives later through webhooks.
func (o *Orchestrator) InitiateMaskedCall(ctx context.Context, callerNumber, ownerNumber, webhookBaseURL string) (*domain.CallSession, error) {
	caller, err := domain.ParsePhoneNumber(callerNumber)
	if err != nil {
		return nil, fmt.Errorf("caller number: %w", err)
	}
	owner, err := domain.ParsePhoneNumber(ownerNumber)
	if err != nil {
		return nil, fmt.Errorf("owner number: %w", err)
	}
	if caller.SameSubscriber(owner) {
		return nil, fmt.Errorf("%w: caller and owner must differ", apperrors.ErrValidation)
	}

	base, err := callbackBase(webhookBaseURL)
	if err != nil {
		return nil, err
	}

	if o.throttle != nil {
		allowed, err := o.throttle.Allow(ctx, owner)
		switch {
		case err != nil:
			o.logger.Warn("orchestrator: throttle unavailable, allowing call", zap.Error(err))
		case !allowed:
			return nil, fmt.Errorf("%w: owner call limit reached", apperrors.ErrQuotaExceeded)
		}
	}

	session := domain.NewCallSession(caller, owner, o.now())

	ctx, span := o.tracer.Start(ctx, "orchestrator.initiate", trace.WithAttributes(
		attribute.String("session.id", session.ID.String()),
	))
	defer span.End()

	if err := o.repo.CreateSession(ctx, session); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("orchestrator: create session: %w", err)
	}

	log := o.logger.With(logger.TraceFields(ctx)...).With(zap.String("session_id", session.ID.String()))
	log.Info("orchestrator: session created")

	obsolete, stop, err := o.cancels.Watch(ctx, session.ID)
	if err != nil {
		log.Warn("orchestrator: cancellation watch unavailable", zap.Error(err))
		obsolete, stop = nil, func() {}
	}
	defer stop()

	result, err := o.run(ctx, log, session.ID, base, obsolete)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("session.final_status", string(result.FinalStatus)))
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, log *zap.Logger, sessionID uuid.UUID, base string, obsolete <-chan struct{}) (*domain.CallSession, error) {
	tracker := o.policy.Start()
	decision := tracker.Begin()

	for decision.Attempt() {
		if ctx.Err() != nil {
			return nil, o.cancel(ctx, log, sessionID)
		}
		adapter, _ := o.adapters.Get(decision.Provider)

		session, attemptNumber, err := o.openAttempt(ctx, sessionID, decision.Provider)
		if err != nil {
			if errors.Is(err, apperrors.ErrCanceled) || ctx.Err() != nil {
				return nil, o.cancel(ctx, log, sessionID)
			}
			return nil, fmt.Errorf("orchestrator: open attempt: %w", err)
		}

		alog := log.With(zap.String("provider", decision.Provider.String()), zap.Int("attempt", attemptNumber))
		o.publish(ctx, queue.LifecycleEvent{
			Type:          queue.EventAttemptPlaced,
			SessionID:     sessionID,
			Provider:      decision.Provider.String(),
			AttemptNumber: attemptNumber,
			Status:        string(domain.CallStatusPending),
			FinalStatus:   string(session.FinalStatus),
			OccurredAt:    o.now(),
		})
		result, placeErr := o.place(ctx, adapter, session, attemptNumber, base)

		// The provider may have placed the call even if the caller went away,
		// so outcomes are recorded without the caller's cancellation.
		if placeErr == nil {
			accepted, err := o.recordAccepted(context.WithoutCancel(ctx), sessionID, attemptNumber, result)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: record acceptance: %w", err)
			}
			tracker.Next(policy.OutcomeAccepted)
			alog.Info("orchestrator: call accepted",
				zap.String("provider_call_ref", result.ProviderCallRef),
				zap.String("virtual_number", accepted.VirtualNumber),
				zap.String("status", string(result.Status)),
			)
			o.publish(ctx, queue.LifecycleEvent{
				Type:            queue.EventSessionAccepted,
				SessionID:       sessionID,
				Provider:        decision.Provider.String(),
				AttemptNumber:   attemptNumber,
				Status:          string(result.Status),
				FinalStatus:     string(accepted.FinalStatus),
				ProviderCallRef: result.ProviderCallRef,
				VirtualNumber:   accepted.VirtualNumber,
				OccurredAt:      o.now(),
			})
			return accepted, nil
		}

		if ctx.Err() != nil {
			return nil, o.cancel(ctx, log, sessionID)
		}

		kind := telephony.Classify(placeErr)
		reason := failureReason(placeErr, kind)
		if _, err := o.repo.UpdateSession(context.WithoutCancel(ctx), sessionID, func(s *domain.CallSession) error {
			a := s.Attempt(attemptNumber)
			if a == nil {
				return fmt.Errorf("%w: attempt %d vanished", apperrors.ErrConflict, attemptNumber)
			}
			a.ApplyStatus(domain.CallStatusFailed, nil, &reason, o.now())
			s.UpdatedAt = o.now()
			return nil
		}); err != nil {
			return nil, fmt.Errorf("orchestrator: record failure: %w", err)
		}

		outcome := policy.OutcomePermanent
		if kind == telephony.ErrorTransient {
			outcome = policy.OutcomeTransient
		}
		decision = tracker.Next(outcome)

		alog.Warn("orchestrator: attempt failed",
			zap.String("reason", reason),
			zap.String("next_state", string(decision.State)),
			zap.Duration("retry_in", decision.Delay),
		)
		o.publish(ctx, queue.LifecycleEvent{
			Type:          queue.EventAttemptFailed,
			SessionID:     sessionID,
			Provider:      adapter.Provider().String(),
			AttemptNumber: attemptNumber,
			Status:        string(domain.CallStatusFailed),
			FinalStatus:   string(domain.CallStatusPending),
			Reason:        reason,
			RetryInMs:     decision.Delay.Milliseconds(),
			OccurredAt:    o.now(),
		})

		if decision.Attempt() && decision.Delay > 0 {
			if err := o.sleep(ctx, decision.Delay, obsolete); err != nil {
				return nil, o.cancel(ctx, log, sessionID)
			}
		}
	}

	session, err := o.repo.UpdateSession(context.WithoutCancel(ctx), sessionID, func(s *domain.CallSession) error {
		s.Recompute(o.now())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: record exhaustion: %w", err)
	}
	log.Error("orchestrator: all providers exhausted", zap.Int("attempts", len(session.Attempts)))
	o.publish(ctx, queue.LifecycleEvent{
		Type:        queue.EventSessionExhausted,
		SessionID:   sessionID,
		FinalStatus: string(session.FinalStatus),
		OccurredAt:  o.now(),
		CompletedAt: session.CompletedAt,
	})
	return nil, fmt.Errorf("%w: session %s", apperrors.ErrAllProvidersExhausted, sessionID)
}

// openAttempt appends a pending attempt for provider and returns its number.
func (o *Orchestrator) openAttempt(ctx context.Context, sessionID uuid.UUID, provider domain.Provider) (*domain.CallSession, int, error) {
	var number int
	session, err := o.repo.UpdateSession(ctx, sessionID, func(s *domain.CallSession) error {
		if s.Obsolete {
			return apperrors.ErrCanceled
		}
		number = s.NextAttemptNumber()
		now := o.now()
		s.UpdatedAt = now
		return s.AppendAttempt(domain.CallAttempt{
			ID:            uuid.New(),
			SessionID:     s.ID,
			Provider:      provider,
			AttemptNumber: number,
			Status:        domain.CallStatusPending,
			StartedAt:     now,
		})
	})
	return session, number, err
}

func (o *Orchestrator) place(ctx context.Context, adapter telephony.Adapter, session *domain.CallSession, attemptNumber int, base string) (*telephony.CallResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.place_call", trace.WithAttributes(
		attribute.String("provider", adapter.Provider().String()),
		attribute.Int("attempt", attemptNumber),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()

	result, err := adapter.PlaceCall(callCtx, telephony.PlaceCallRequest{
		SessionID:     session.ID,
		AttemptNumber: attemptNumber,
		CallerNumber:  session.CallerNumber,
		OwnerNumber:   session.OwnerNumber,
		CallbackURL:   base + "/webhooks/" + adapter.Provider().String(),
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if result == nil || result.ProviderCallRef == "" {
		return nil, &telephony.ProviderError{Provider: adapter.Provider(), Kind: telephony.ErrorPermanent, Code: "missing_sid"}
	}
	return result, nil
}

func (o *Orchestrator) recordAccepted(ctx context.Context, sessionID uuid.UUID, attemptNumber int, result *telephony.CallResult) (*domain.CallSession, error) {
	return o.repo.UpdateSession(ctx, sessionID, func(s *domain.CallSession) error {
		a := s.Attempt(attemptNumber)
		if a == nil {
			return fmt.Errorf("%w: attempt %d vanished", apperrors.ErrConflict, attemptNumber)
		}
		now := o.now()
		a.ProviderCallRef = result.ProviderCallRef
		a.ApplyStatus(result.Status, nil, nil, now)
		s.VirtualNumber = result.VirtualNumber
		s.Recompute(now)
		return nil
	})
}

// cancel finalises a session abandoned by its caller or marked obsolete.
func (o *Orchestrator) cancel(ctx context.Context, log *zap.Logger, sessionID uuid.UUID) error {
	ctx = context.WithoutCancel(ctx)
	session, err := o.repo.UpdateSession(ctx, sessionID, func(s *domain.CallSession) error {
		now := o.now()
		if latest := s.LatestAttempt(); latest != nil && !latest.Status.IsTerminal() {
			reason := "canceled"
			latest.ApplyStatus(domain.CallStatusFailed, nil, &reason, now)
		}
		if !s.Recompute(now) && !s.IsTerminal() {
			s.FinalStatus = domain.CallStatusFailed
			s.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		log.Error("orchestrator: record cancellation", zap.Error(err))
		return fmt.Errorf("%w: session %s", apperrors.ErrCanceled, sessionID)
	}

	log.Info("orchestrator: session canceled")
	o.publish(ctx, queue.LifecycleEvent{
		Type:        queue.EventSessionCanceled,
		SessionID:   sessionID,
		FinalStatus: string(session.FinalStatus),
		Reason:      "canceled",
		OccurredAt:  o.now(),
		CompletedAt: session.CompletedAt,
	})
	return fmt.Errorf("%w: session %s", apperrors.ErrCanceled, sessionID)
}

func (o *Orchestrator) publish(ctx context.Context, event queue.LifecycleEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.publishTimeout)
	defer cancel()

	if err := o.events.PublishLifecycle(ctx, event); err != nil {
		o.logger.Warn("orchestrator: publish lifecycle event",
			zap.String("session_id", event.SessionID.String()),
			zap.String("event", string(event.Type)),
			zap.Error(err),
		)
	}
}

func failureReason(err error, kind telephony.ErrorKind) string {
	var perr *telephony.ProviderError
	if errors.As(err, &perr) {
		return perr.Reason()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return string(kind) + ":timeout"
	}
	return string(kind)
}

// callbackBase checks the webhook base URL and strips a trailing slash.
func callbackBase(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: webhook base url is required", apperrors.ErrConfiguration)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: webhook base url must be an absolute http(s) url", apperrors.ErrConfiguration)
	}
	return strings.TrimRight(raw, "/"), nil
}

// waitFor blocks for d unless ctx ends or the session is marked obsolete.
func waitFor(ctx context.Context, d time.Duration, obsolete <-chan struct{}) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-obsolete:
		return apperrors.ErrCanceled
	}
}
