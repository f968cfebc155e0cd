package memory

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/acme/masked-call/internal/domain"
	"github.com/acme/masked-call/internal/repository"
)

// WebhookAuditStore is an in-memory repository.WebhookAuditStore. The paging
// state is an opaque offset.
type WebhookAuditStore struct {
	mu      sync.RWMutex
	records map[refKey][]repository.WebhookAuditRecord
}

// NewWebhookAuditStore returns an empty store.
func NewWebhookAuditStore() *WebhookAuditStore {
	return &WebhookAuditStore{records: make(map[refKey][]repository.WebhookAuditRecord)}
}

func (s *WebhookAuditStore) Record(ctx context.Context, record repository.WebhookAuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := refKey{provider: record.Provider, ref: record.ProviderCallRef}
	s.records[key] = append(s.records[key], record)
	return nil
}

func (s *WebhookAuditStore) ListByRef(ctx context.Context, provider domain.Provider, ref string, limit int, pagingState []byte) ([]repository.WebhookAuditRecord, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	offset := 0
	if len(pagingState) == 8 {
		offset = int(binary.BigEndian.Uint64(pagingState))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.records[refKey{provider: provider, ref: ref}]
	if offset >= len(all) {
		return []repository.WebhookAuditRecord{}, nil, nil
	}

	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	page := append([]repository.WebhookAuditRecord(nil), all[offset:end]...)

	var next []byte
	if end < len(all) {
		next = make([]byte, 8)
		binary.BigEndian.PutUint64(next, uint64(end))
	}
	return page, next, nil
}
