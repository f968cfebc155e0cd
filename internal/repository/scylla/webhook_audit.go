package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/masked-call/internal/domain"
	"github.com/acme/masked-call/internal/repository"
)

const auditTableDDL = `CREATE TABLE IF NOT EXISTS webhook_audit_by_ref (
	provider text,
	provider_call_ref text,
	received_at timestamp,
	id text,
	session_id text,
	attempt_number int,
	status text,
	raw_status text,
	outcome text,
	reason text,
	payload_digest text,
	PRIMARY KEY ((provider, provider_call_ref), received_at, id)
) WITH CLUSTERING ORDER BY (received_at ASC, id ASC)`

// WebhookAuditStore persists processed callbacks in Scylla, partitioned by
// provider call reference.
type WebhookAuditStore struct {
	session *gocql.Session
}

// NewWebhookAuditStore creates a new audit store.
func NewWebhookAuditStore(session *gocql.Session) *WebhookAuditStore {
	return &WebhookAuditStore{session: session}
}

// EnsureSchema creates the audit table in the session keyspace.
func (s *WebhookAuditStore) EnsureSchema(ctx context.Context) error {
	if err := s.session.Query(auditTableDDL).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("webhook audit: ensure schema: %w", err)
	}
	return nil
}

// Record appends one audit row.
func (s *WebhookAuditStore) Record(ctx context.Context, record repository.WebhookAuditRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.ReceivedAt.IsZero() {
		record.ReceivedAt = time.Now().UTC()
	}

	var sessionID *string
	if record.SessionID != nil {
		id := record.SessionID.String()
		sessionID = &id
	}

	if err := s.session.Query(`INSERT INTO webhook_audit_by_ref (provider, provider_call_ref, received_at, id, session_id, attempt_number, status, raw_status, outcome, reason, payload_digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(record.Provider), record.ProviderCallRef, record.ReceivedAt, record.ID.String(), sessionID,
		record.AttemptNumber, string(record.Status), record.RawStatus, string(record.Outcome), record.Reason, record.PayloadDigest,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("webhook audit: insert: %w", err)
	}
	return nil
}

// ListByRef pages through the audit trail of one provider call.
func (s *WebhookAuditStore) ListByRef(ctx context.Context, provider domain.Provider, ref string, limit int, pagingState []byte) ([]repository.WebhookAuditRecord, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT received_at, id, session_id, attempt_number, status, raw_status, outcome, reason, payload_digest
		FROM webhook_audit_by_ref WHERE provider = ? AND provider_call_ref = ?`, string(provider), ref).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	records := make([]repository.WebhookAuditRecord, 0, limit)

	var (
		receivedAt    time.Time
		idStr         string
		sessionIDStr  *string
		attemptNumber int
		status        string
		rawStatus     string
		outcome       string
		reason        string
		digest        string
	)

	for iter.Scan(&receivedAt, &idStr, &sessionIDStr, &attemptNumber, &status, &rawStatus, &outcome, &reason, &digest) {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		rec := repository.WebhookAuditRecord{
			ID:              id,
			Provider:        provider,
			ProviderCallRef: ref,
			AttemptNumber:   attemptNumber,
			Status:          domain.CallStatus(status),
			RawStatus:       rawStatus,
			Outcome:         repository.WebhookOutcome(outcome),
			Reason:          reason,
			PayloadDigest:   digest,
			ReceivedAt:      receivedAt,
		}
		if sessionIDStr != nil {
			if sid, err := uuid.Parse(*sessionIDStr); err == nil {
				rec.SessionID = &sid
			}
		}
		records = append(records, rec)
		sessionIDStr = nil
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("webhook audit: iter close: %w", err)
	}

	return records, iter.PageState(), nil
}
