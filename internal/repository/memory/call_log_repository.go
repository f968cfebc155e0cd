// Package memory provides process-local repositories for tests and
// single-node development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/masked-call/internal/domain"
	"github.com/acme/masked-call/internal/repository"
)

type sessionEntry struct {
	mu      sync.Mutex
	session *domain.CallSession
}

type refKey struct {
	provider domain.Provider
	ref      string
}

type refTarget struct {
	sessionID     uuid.UUID
	attemptNumber int
}

// CallLogRepository keeps sessions in memory. Each session has its own lock
// so updates to different sessions never contend.
type CallLogRepository struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*sessionEntry
	refs     map[refKey]refTarget
}

// NewCallLogRepository returns an empty repository.
func NewCallLogRepository() *CallLogRepository {
	return &CallLogRepository{
		sessions: make(map[uuid.UUID]*sessionEntry),
		refs:     make(map[refKey]refTarget),
	}
}

func (r *CallLogRepository) CreateSession(ctx context.Context, session *domain.CallSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return fmt.Errorf("%w: session %s already exists", repository.ErrConflict, session.ID)
	}
	stored := session.Clone()
	if err := r.indexLocked(stored); err != nil {
		return err
	}
	r.sessions[session.ID] = &sessionEntry{session: stored}
	return nil
}

func (r *CallLogRepository) GetSession(ctx context.Context, id uuid.UUID) (*domain.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, ok := r.entry(id)
	if !ok {
		return nil, repository.ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.session.Clone(), nil
}

func (r *CallLogRepository) AppendAttempt(ctx context.Context, sessionID uuid.UUID, attempt domain.CallAttempt) error {
	_, err := r.UpdateSession(ctx, sessionID, func(s *domain.CallSession) error {
		return s.AppendAttempt(attempt)
	})
	return err
}

func (r *CallLogRepository) UpdateSession(ctx context.Context, sessionID uuid.UUID, fn func(*domain.CallSession) error) (*domain.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, ok := r.entry(sessionID)
	if !ok {
		return nil, repository.ErrNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	working := entry.session.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}

	r.mu.Lock()
	err := r.indexLocked(working)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	entry.session = working
	return working.Clone(), nil
}

func (r *CallLogRepository) FindAttemptByProviderRef(ctx context.Context, provider domain.Provider, ref string) (*domain.CallAttempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	target, ok := r.refs[refKey{provider: provider, ref: ref}]
	entry := r.sessions[target.sessionID]
	r.mu.RUnlock()
	if !ok || entry == nil {
		return nil, repository.ErrNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	attempt := entry.session.Clone().Attempt(target.attemptNumber)
	if attempt == nil {
		return nil, repository.ErrNotFound
	}
	return attempt, nil
}

func (r *CallLogRepository) entry(id uuid.UUID) (*sessionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return e, ok
}

// indexLocked registers provider refs, rejecting a ref already owned by a
// different attempt. Callers hold r.mu.
func (r *CallLogRepository) indexLocked(session *domain.CallSession) error {
	for _, a := range session.Attempts {
		if a.ProviderCallRef == "" {
			continue
		}
		key := refKey{provider: a.Provider, ref: a.ProviderCallRef}
		target := refTarget{sessionID: session.ID, attemptNumber: a.AttemptNumber}
		if existing, ok := r.refs[key]; ok && existing != target {
			return fmt.Errorf("%w: provider call ref already recorded", repository.ErrConflict)
		}
	}
	for _, a := range session.Attempts {
		if a.ProviderCallRef == "" {
			continue
		}
		r.refs[refKey{provider: a.Provider, ref: a.ProviderCallRef}] = refTarget{sessionID: session.ID, attemptNumber: a.AttemptNumber}
	}
	return nil
}
