package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/masked-call/internal/domain"
	"github.com/acme/masked-call/internal/queue"
	apperrors "github.com/acme/masked-call/pkg/errors"
)

// BackoffConfig reports the retry delay bounds.
type BackoffConfig struct {
	Base    time.Duration `json:"base"`
	Ceiling time.Duration `json:"ceiling"`
}

// ServiceInfo is a read-only view of the orchestration configuration.
type ServiceInfo struct {
	PrimaryProvider  domain.Provider   `json:"primary_provider"`
	FallbackProvider domain.Provider   `json:"fallback_provider,omitempty"`
	Providers        []domain.Provider `json:"providers"`
	RetryAttempts    int               `json:"retry_attempts"`
	Backoff          BackoffConfig     `json:"backoff"`
	FallbackEnabled  bool              `json:"fallback_enabled"`
}

// ProviderHealth is the result of one capability probe.
type ProviderHealth struct {
	Reachable bool   `json:"reachable"`
	LatencyMs int64  `json:"latency_ms"`
	LastError string `json:"last_error,omitempty"`
}

func (o *Orchestrator) ServiceInfo() ServiceInfo {
	cfg := o.policy.Config()
	return ServiceInfo{
		PrimaryProvider:  o.policy.Primary(),
		FallbackProvider: o.policy.Fallback(),
		Providers:        cfg.Providers,
		RetryAttempts:    cfg.MaxAttempts,
		Backoff:          BackoffConfig{Base: cfg.BaseDelay, Ceiling: cfg.MaxDelay},
		FallbackEnabled:  cfg.FallbackEnabled,
	}
}

// CheckServiceHealth probes every configured adapter concurrently. It never
// fails: a probe error or panic is reported as unreachable.
func (o *Orchestrator) CheckServiceHealth(ctx context.Context) map[domain.Provider]ProviderHealth {
	providers := o.adapters.Providers()
	out := make(map[domain.Provider]ProviderHealth, len(providers))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range providers {
		p := p // per-iteration copy (go.mod targets go 1.21 loop semantics)
		adapter, _ := o.adapters.Get(p)
		wg.Add(1)
		go func() {
			defer wg.Done()
			health := ProviderHealth{}
			start := time.Now()
			defer func() {
				if r := recover(); r != nil {
					health = ProviderHealth{LastError: "probe panicked"}
				}
				health.LatencyMs = time.Since(start).Milliseconds()
				mu.Lock()
				out[p] = health
				mu.Unlock()
			}()

			probeCtx, cancel := context.WithTimeout(ctx, o.probeTimeout)
			defer cancel()
			if err := adapter.Probe(probeCtx); err != nil {
				health.LastError = err.Error()
				return
			}
			health.Reachable = true
		}()
	}
	wg.Wait()
	return out
}

// ParseWebhookData normalises a raw callback for provider.
func (o *Orchestrator) ParseWebhookData(provider string, raw []byte) (*domain.WebhookEvent, error) {
	adapter, err := o.adapters.Lookup(provider)
	if err != nil {
		return nil, err
	}
	return adapter.ParseWebhook(raw)
}

// ValidateWebhookSignature reports false for unknown providers rather than
// failing.
func (o *Orchestrator) ValidateWebhookSignature(provider string, rawBody []byte, signature, callbackURL string) bool {
	adapter, err := o.adapters.Lookup(provider)
	if err != nil {
		return false
	}
	return adapter.ValidateSignature(rawBody, signature, callbackURL)
}

// GetSession returns a session by id.
func (o *Orchestrator) GetSession(ctx context.Context, id uuid.UUID) (*domain.CallSession, error) {
	session, err := o.repo.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: get session: %w", err)
	}
	return session, nil
}

// CancelSession marks a session obsolete. A pending backoff wait for it is
// abandoned; a call the provider already placed is not torn down.
func (o *Orchestrator) CancelSession(ctx context.Context, id uuid.UUID) (*domain.CallSession, error) {
	session, err := o.repo.UpdateSession(ctx, id, func(s *domain.CallSession) error {
		if s.IsTerminal() {
			return fmt.Errorf("%w: session already finished", apperrors.ErrConflict)
		}
		s.Obsolete = true
		s.UpdatedAt = o.now()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: cancel session: %w", err)
	}

	if err := o.cancels.MarkObsolete(ctx, id); err != nil {
		o.logger.Warn("orchestrator: broadcast cancellation", zap.String("session_id", id.String()), zap.Error(err))
	}
	o.logger.Info("orchestrator: session marked obsolete", zap.String("session_id", id.String()))
	o.publish(ctx, queue.LifecycleEvent{
		Type:        queue.EventSessionCanceled,
		SessionID:   id,
		FinalStatus: string(session.FinalStatus),
		Reason:      "obsolete",
		OccurredAt:  o.now(),
	})
	return session, nil
}
