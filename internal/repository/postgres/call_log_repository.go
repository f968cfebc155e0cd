package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/acme/masked-call/internal/domain"
	"github.com/acme/masked-call/internal/repository"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// CallLogRepository implements repository.CallLogRepository using PostgreSQL.
type CallLogRepository struct {
	db *sqlx.DB
}

// NewCallLogRepository constructs a new repository.
func NewCallLogRepository(db *sqlx.DB) *CallLogRepository {
	return &CallLogRepository{db: db}
}

// EnsureSchema applies the embedded DDL. Every statement is idempotent.
func (r *CallLogRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("call log repo: ensure schema: %w", err)
		}
	}
	return nil
}

// CreateSession inserts a session and any attempts it already carries.
func (r *CallLogRepository) CreateSession(ctx context.Context, session *domain.CallSession) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		q := `INSERT INTO call_sessions (
			id, caller_number, owner_number, virtual_number, final_status, obsolete,
			created_at, updated_at, completed_at
		) VALUES (
			:id, :caller_number, :owner_number, :virtual_number, :final_status, :obsolete,
			:created_at, :updated_at, :completed_at
		)`
		if _, err := tx.NamedExecContext(ctx, q, newSessionRecord(session)); err != nil {
			return translate("insert session", err)
		}
		for _, a := range session.Attempts {
			if err := upsertAttempt(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSession loads a session with its attempts ordered by number.
func (r *CallLogRepository) GetSession(ctx context.Context, id uuid.UUID) (*domain.CallSession, error) {
	session, err := loadSession(ctx, r.db, id, false)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// AppendAttempt adds an attempt after checking ordering under the row lock.
func (r *CallLogRepository) AppendAttempt(ctx context.Context, sessionID uuid.UUID, attempt domain.CallAttempt) error {
	_, err := r.UpdateSession(ctx, sessionID, func(s *domain.CallSession) error {
		return s.AppendAttempt(attempt)
	})
	return err
}

// UpdateSession locks the session row, applies fn and persists the result in
// the same transaction.
func (r *CallLogRepository) UpdateSession(ctx context.Context, sessionID uuid.UUID, fn func(*domain.CallSession) error) (*domain.CallSession, error) {
	var updated *domain.CallSession
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		session, err := loadSession(ctx, tx, sessionID, true)
		if err != nil {
			return err
		}
		if err := fn(session); err != nil {
			return err
		}

		q := `UPDATE call_sessions SET
			virtual_number = :virtual_number,
			final_status = :final_status,
			obsolete = :obsolete,
			updated_at = :updated_at,
			completed_at = :completed_at
		 WHERE id = :id`
		if _, err := tx.NamedExecContext(ctx, q, newSessionRecord(session)); err != nil {
			return translate("update session", err)
		}
		for _, a := range session.Attempts {
			if err := upsertAttempt(ctx, tx, a); err != nil {
				return err
			}
		}
		updated = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// FindAttemptByProviderRef resolves a webhook's call reference.
func (r *CallLogRepository) FindAttemptByProviderRef(ctx context.Context, provider domain.Provider, ref string) (*domain.CallAttempt, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT id, session_id, provider, attempt_number, status, provider_call_ref,
		       started_at, ended_at, duration_seconds, failure_reason
		  FROM call_attempts WHERE provider = $1 AND provider_call_ref = $2`, string(provider), ref)

	var record attemptRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call log repo: find by ref: %w", err)
	}
	attempt := record.toDomain()
	return &attempt, nil
}

type queryer interface {
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
}

func loadSession(ctx context.Context, q queryer, id uuid.UUID, forUpdate bool) (*domain.CallSession, error) {
	query := `SELECT id, caller_number, owner_number, virtual_number, final_status, obsolete,
	       created_at, updated_at, completed_at
	  FROM call_sessions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var record sessionRecord
	if err := q.QueryRowxContext(ctx, query, id).StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call log repo: get session: %w", err)
	}

	rows, err := q.QueryxContext(ctx, `SELECT id, session_id, provider, attempt_number, status, provider_call_ref,
		       started_at, ended_at, duration_seconds, failure_reason
		  FROM call_attempts WHERE session_id = $1 ORDER BY attempt_number ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("call log repo: list attempts: %w", err)
	}
	defer rows.Close()

	session := record.toDomain()
	for rows.Next() {
		var a attemptRecord
		if err := rows.StructScan(&a); err != nil {
			return nil, fmt.Errorf("call log repo: scan attempt: %w", err)
		}
		session.Attempts = append(session.Attempts, a.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call log repo: rows err: %w", err)
	}
	return session, nil
}

func upsertAttempt(ctx context.Context, tx *sqlx.Tx, attempt domain.CallAttempt) error {
	q := `INSERT INTO call_attempts (
		id, session_id, provider, attempt_number, status, provider_call_ref,
		started_at, ended_at, duration_seconds, failure_reason
	) VALUES (
		:id, :session_id, :provider, :attempt_number, :status, :provider_call_ref,
		:started_at, :ended_at, :duration_seconds, :failure_reason
	)
	ON CONFLICT (session_id, attempt_number) DO UPDATE SET
		status = EXCLUDED.status,
		provider_call_ref = EXCLUDED.provider_call_ref,
		ended_at = EXCLUDED.ended_at,
		duration_seconds = EXCLUDED.duration_seconds,
		failure_reason = EXCLUDED.failure_reason`

	if _, err := tx.NamedExecContext(ctx, q, newAttemptRecord(attempt)); err != nil {
		return translate("upsert attempt", err)
	}
	return nil
}

func translate(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: call log repo: %s: %s", repository.ErrConflict, op, pgErr.ConstraintName)
	}
	return fmt.Errorf("call log repo: %s: %w", op, err)
}

type sessionRecord struct {
	ID            uuid.UUID    `db:"id"`
	CallerNumber  string       `db:"caller_number"`
	OwnerNumber   string       `db:"owner_number"`
	VirtualNumber string       `db:"virtual_number"`
	FinalStatus   string       `db:"final_status"`
	Obsolete      bool         `db:"obsolete"`
	CreatedAt     sql.NullTime `db:"created_at"`
	UpdatedAt     sql.NullTime `db:"updated_at"`
	CompletedAt   sql.NullTime `db:"completed_at"`
}

func newSessionRecord(s *domain.CallSession) sessionRecord {
	rec := sessionRecord{
		ID:            s.ID,
		CallerNumber:  s.CallerNumber.Raw(),
		OwnerNumber:   s.OwnerNumber.Raw(),
		VirtualNumber: s.VirtualNumber,
		FinalStatus:   string(s.FinalStatus),
		Obsolete:      s.Obsolete,
		CreatedAt:     sql.NullTime{Time: s.CreatedAt, Valid: true},
		UpdatedAt:     sql.NullTime{Time: s.UpdatedAt, Valid: true},
	}
	if s.CompletedAt != nil {
		rec.CompletedAt = sql.NullTime{Time: *s.CompletedAt, Valid: true}
	}
	return rec
}

func (r sessionRecord) toDomain() *domain.CallSession {
	s := &domain.CallSession{
		ID:            r.ID,
		CallerNumber:  domain.PhoneNumber(r.CallerNumber),
		OwnerNumber:   domain.PhoneNumber(r.OwnerNumber),
		VirtualNumber: r.VirtualNumber,
		FinalStatus:   domain.CallStatus(r.FinalStatus),
		Obsolete:      r.Obsolete,
		CreatedAt:     r.CreatedAt.Time,
		UpdatedAt:     r.UpdatedAt.Time,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		s.CompletedAt = &t
	}
	return s
}

type attemptRecord struct {
	ID              uuid.UUID      `db:"id"`
	SessionID       uuid.UUID      `db:"session_id"`
	Provider        string         `db:"provider"`
	AttemptNumber   int            `db:"attempt_number"`
	Status          string         `db:"status"`
	ProviderCallRef sql.NullString `db:"provider_call_ref"`
	StartedAt       sql.NullTime   `db:"started_at"`
	EndedAt         sql.NullTime   `db:"ended_at"`
	DurationSeconds sql.NullInt64  `db:"duration_seconds"`
	FailureReason   sql.NullString `db:"failure_reason"`
}

func newAttemptRecord(a domain.CallAttempt) attemptRecord {
	rec := attemptRecord{
		ID:              a.ID,
		SessionID:       a.SessionID,
		Provider:        string(a.Provider),
		AttemptNumber:   a.AttemptNumber,
		Status:          string(a.Status),
		ProviderCallRef: sql.NullString{String: a.ProviderCallRef, Valid: a.ProviderCallRef != ""},
		StartedAt:       sql.NullTime{Time: a.StartedAt, Valid: true},
	}
	if a.EndedAt != nil {
		rec.EndedAt = sql.NullTime{Time: *a.EndedAt, Valid: true}
	}
	if a.DurationSeconds != nil {
		rec.DurationSeconds = sql.NullInt64{Int64: int64(*a.DurationSeconds), Valid: true}
	}
	if a.FailureReason != nil {
		rec.FailureReason = sql.NullString{String: *a.FailureReason, Valid: true}
	}
	return rec
}

func (r attemptRecord) toDomain() domain.CallAttempt {
	a := domain.CallAttempt{
		ID:              r.ID,
		SessionID:       r.SessionID,
		Provider:        domain.Provider(r.Provider),
		AttemptNumber:   r.AttemptNumber,
		Status:          domain.CallStatus(r.Status),
		ProviderCallRef: r.ProviderCallRef.String,
		StartedAt:       r.StartedAt.Time,
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time
		a.EndedAt = &t
	}
	if r.DurationSeconds.Valid {
		d := int(r.DurationSeconds.Int64)
		a.DurationSeconds = &d
	}
	if r.FailureReason.Valid {
		reason := r.FailureReason.String
		a.FailureReason = &reason
	}
	return a
}
