package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/masked-call/internal/domain"
	apperrors "github.com/acme/masked-call/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CallLogRepository persists call sessions and their attempts.
//
// UpdateSession is the only way to mutate an existing session: fn runs against
// a private copy while the session is locked and the result is written back
// only if fn returns nil. Implementations must serialise concurrent updates to
// the same session.
type CallLogRepository interface {
	CreateSession(ctx context.Context, session *domain.CallSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*domain.CallSession, error)
	AppendAttempt(ctx context.Context, sessionID uuid.UUID, attempt domain.CallAttempt) error
	UpdateSession(ctx context.Context, sessionID uuid.UUID, fn func(*domain.CallSession) error) (*domain.CallSession, error)
	FindAttemptByProviderRef(ctx context.Context, provider domain.Provider, ref string) (*domain.CallAttempt, error)
}

// WebhookAuditStore keeps an append-only trail of processed provider callbacks.
type WebhookAuditStore interface {
	Record(ctx context.Context, record WebhookAuditRecord) error
	ListByRef(ctx context.Context, provider domain.Provider, ref string, limit int, pagingState []byte) ([]WebhookAuditRecord, []byte, error)
}

// WebhookOutcome classifies how a callback was handled.
type WebhookOutcome string

const (
	WebhookApplied   WebhookOutcome = "applied"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookRejected  WebhookOutcome = "rejected"
	WebhookMalformed WebhookOutcome = "malformed"
	WebhookUnmatched WebhookOutcome = "unmatched"
	WebhookFailed    WebhookOutcome = "failed"
)

// WebhookAuditRecord is the storage representation of one callback. It holds
// the payload digest, never the payload.
type WebhookAuditRecord struct {
	ID              uuid.UUID
	Provider        domain.Provider
	ProviderCallRef string
	SessionID       *uuid.UUID
	AttemptNumber   int
	Status          domain.CallStatus
	RawStatus       string
	Outcome         WebhookOutcome
	Reason          string
	PayloadDigest   string
	ReceivedAt      time.Time
}
