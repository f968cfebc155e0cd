package telephony

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/acme/masked-call/internal/domain"
	apperrors "github.com/acme/masked-call/pkg/errors"
)

// PlaceCallRequest is the provider-agnostic instruction to bridge two parties.
type PlaceCallRequest struct {
	SessionID     uuid.UUID
	AttemptNumber int
	CallerNumber  domain.PhoneNumber
	OwnerNumber   domain.PhoneNumber
	CallbackURL   string
}

// CallResult captures a provider's acceptance of a placement request.
type CallResult struct {
	ProviderCallRef string
	Status          domain.CallStatus
	RawStatus       string
	VirtualNumber   string
}

// Adapter abstracts one telephony provider. Implementations are stateless and
// safe for concurrent use.
type Adapter interface {
	Provider() domain.Provider
	VirtualNumber() string
	SignatureHeader() string

	PlaceCall(ctx context.Context, req PlaceCallRequest) (*CallResult, error)
	ParseWebhook(raw []byte) (*domain.WebhookEvent, error)
	ValidateSignature(rawBody []byte, signature, callbackURL string) bool
	Probe(ctx context.Context) error
}

// ErrorKind tells the retry policy whether a failure may be retried.
type ErrorKind string

const (
	ErrorTransient ErrorKind = "transient"
	ErrorPermanent ErrorKind = "permanent"
)

// ProviderError describes a failed placement. It never carries the response
// body since providers echo phone numbers in their messages.
type ProviderError struct {
	Provider   domain.Provider
	Kind       ErrorKind
	StatusCode int
	Code       string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("telephony: %s %s error", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" code=%s", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Reason renders a short failure reason suitable for persistence.
func (e *ProviderError) Reason() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("%s:%s", e.Kind, e.Code)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s:http_%d", e.Kind, e.StatusCode)
	default:
		return string(e.Kind)
	}
}

// KindForStatus classifies an HTTP response status.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 408 || status == 425 || status == 429:
		return ErrorTransient
	case status >= 500:
		return ErrorTransient
	default:
		return ErrorPermanent
	}
}

// Classify maps any adapter error onto an ErrorKind. Timeouts and network
// failures are transient; anything unrecognised is permanent.
func Classify(err error) ErrorKind {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTransient
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return ErrorTransient
	}
	return ErrorPermanent
}

// Registry resolves adapters by provider tag.
type Registry struct {
	adapters map[domain.Provider]Adapter
}

// NewRegistry indexes adapters, rejecting duplicates.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[domain.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		if _, exists := r.adapters[a.Provider()]; exists {
			return nil, fmt.Errorf("%w: duplicate adapter for %s", apperrors.ErrConfiguration, a.Provider())
		}
		r.adapters[a.Provider()] = a
	}
	return r, nil
}

// Get returns the adapter for a known provider.
func (r *Registry) Get(p domain.Provider) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// Lookup resolves an untrusted provider tag. Anything outside the configured
// set fails with ErrUnknownProvider.
func (r *Registry) Lookup(name string) (Adapter, error) {
	p, err := domain.ParseProvider(name)
	if err != nil {
		return nil, err
	}
	a, ok := r.adapters[p]
	if !ok {
		return nil, apperrors.ErrUnknownProvider
	}
	return a, nil
}

// Providers lists the registered providers.
func (r *Registry) Providers() []domain.Provider {
	out := make([]domain.Provider, 0, len(r.adapters))
	for _, p := range domain.Providers() {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
