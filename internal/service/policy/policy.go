// Package policy decides, after each placement attempt, whether to retry the
// same provider, fall back to the next one, or give up.
package policy

import (
	"fmt"
	"time"

	"github.com/acme/masked-call/internal/domain"
	apperrors "github.com/acme/masked-call/pkg/errors"
)

// State is the per-session position in the retry/fallback machine.
type State string

const (
	StateNotStarted  State = "not_started"
	StateAttempting  State = "attempting"
	StateFallingBack State = "falling_back"
	StateSucceeded   State = "succeeded"
	StateExhausted   State = "exhausted"
)

// Outcome classifies a placement attempt.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeTransient Outcome = "transient"
	OutcomePermanent Outcome = "permanent"
)

// Config is supplied at construction; nothing here is hardcoded.
type Config struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Providers       []domain.Provider
	FallbackEnabled bool
}

// Policy holds the validated configuration and hands out per-session trackers.
type Policy struct {
	cfg Config
}

// New validates and normalises the configuration.
func New(cfg Config) (*Policy, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("%w: provider order is empty", apperrors.ErrConfiguration)
	}
	seen := make(map[domain.Provider]struct{}, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if _, err := domain.ParseProvider(string(p)); err != nil {
			return nil, fmt.Errorf("%w: provider order names an unknown provider", apperrors.ErrConfiguration)
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("%w: provider %s listed twice", apperrors.ErrConfiguration, p)
		}
		seen[p] = struct{}{}
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 8 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	cfg.Providers = append([]domain.Provider(nil), cfg.Providers...)

	return &Policy{cfg: cfg}, nil
}

// Config returns the normalised configuration.
func (p *Policy) Config() Config {
	out := p.cfg
	out.Providers = append([]domain.Provider(nil), p.cfg.Providers...)
	return out
}

// Primary is the first provider in order.
func (p *Policy) Primary() domain.Provider {
	return p.cfg.Providers[0]
}

// Fallback is the second provider when fallback is enabled, or "".
func (p *Policy) Fallback() domain.Provider {
	if !p.cfg.FallbackEnabled || len(p.cfg.Providers) < 2 {
		return ""
	}
	return p.cfg.Providers[1]
}

// Backoff returns the wait before retry number retryCount+1 on the same
// provider: BaseDelay * 2^retryCount, capped at MaxDelay.
func (p *Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := p.cfg.BaseDelay
	for i := 0; i < retryCount; i++ {
		if delay >= p.cfg.MaxDelay/2 {
			return p.cfg.MaxDelay
		}
		delay *= 2
	}
	if delay > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return delay
}

// Decision tells the orchestrator what to do next.
type Decision struct {
	State      State
	Provider   domain.Provider
	RetryCount int
	Delay      time.Duration
}

// Attempt reports whether the decision calls for another placement.
func (d Decision) Attempt() bool {
	return d.State == StateAttempting || d.State == StateFallingBack
}

// Tracker is the state machine for one session. It is not safe for
// concurrent use; attempts within a session are sequential.
type Tracker struct {
	policy      *Policy
	state       State
	providerIdx int
	retryCount  int
}

// Start returns a tracker in NotStarted.
func (p *Policy) Start() *Tracker {
	return &Tracker{policy: p, state: StateNotStarted}
}

// State is the tracker's current position in the retry/fallback machine.
func (t *Tracker) State() State { return t.state }

// Begin moves NotStarted to Attempting on the primary provider.
func (t *Tracker) Begin() Decision {
	if t.state != StateNotStarted {
		return t.current(0)
	}
	t.state = StateAttempting
	t.providerIdx = 0
	t.retryCount = 0
	return t.current(0)
}

// Next records the outcome of the attempt described by the last decision and
// returns the following one. Succeeded and Exhausted are absorbing.
func (t *Tracker) Next(outcome Outcome) Decision {
	switch t.state {
	case StateSucceeded, StateExhausted, StateNotStarted:
		return t.current(0)
	}

	cfg := t.policy.cfg
	switch outcome {
	case OutcomeAccepted:
		t.state = StateSucceeded
		return t.current(0)

	case OutcomeTransient:
		if t.retryCount+1 < cfg.MaxAttempts {
			delay := t.policy.Backoff(t.retryCount)
			t.retryCount++
			t.state = StateAttempting
			return t.current(delay)
		}
	}

	if cfg.FallbackEnabled && t.providerIdx+1 < len(cfg.Providers) {
		t.providerIdx++
		t.retryCount = 0
		t.state = StateFallingBack
		d := t.current(0)
		t.state = StateAttempting
		return d
	}

	t.state = StateExhausted
	return t.current(0)
}

func (t *Tracker) current(delay time.Duration) Decision {
	d := Decision{State: t.state, RetryCount: t.retryCount, Delay: delay}
	if t.state != StateNotStarted {
		d.Provider = t.policy.cfg.Providers[t.providerIdx]
	}
	return d
}
