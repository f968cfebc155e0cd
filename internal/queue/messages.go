package queue

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventAttemptPlaced    EventType = "attempt_placed"
	EventAttemptFailed    EventType = "attempt_failed"
	EventSessionAccepted  EventType = "session_accepted"
	EventSessionExhausted EventType = "session_exhausted"
	EventSessionCanceled  EventType = "session_canceled"
	EventWebhookApplied   EventType = "webhook_applied"
)

// LifecycleEvent describes a state change of a masked call. It carries the
// virtual number only; subscriber numbers never leave the service.
type LifecycleEvent struct {
	Type            EventType  `json:"type"`
	SessionID       uuid.UUID  `json:"session_id"`
	Provider        string     `json:"provider,omitempty"`
	AttemptNumber   int        `json:"attempt_number,omitempty"`
	Status          string     `json:"status,omitempty"`
	FinalStatus     string     `json:"final_status"`
	ProviderCallRef string     `json:"provider_call_ref,omitempty"`
	VirtualNumber   string     `json:"virtual_number,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	RetryInMs       int64      `json:"retry_in_ms,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	OccurredAt      time.Time  `json:"occurred_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// DeadLetterMessage records a webhook that could not be applied.
type DeadLetterMessage struct {
	Provider        string    `json:"provider"`
	ProviderCallRef string    `json:"provider_call_ref,omitempty"`
	Outcome         string    `json:"outcome"`
	Reason          string    `json:"reason"`
	PayloadDigest   string    `json:"payload_digest"`
	ReceivedAt      time.Time `json:"received_at"`
}
