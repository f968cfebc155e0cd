package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// WebhookEvent is a provider callback normalised onto the shared vocabulary.
// It is consumed once and then dropped; only the state mutation persists.
type WebhookEvent struct {
	Provider         Provider
	ProviderCallRef  string
	Status           CallStatus
	RawStatus        string
	DurationSeconds  *int
	FailureReason    *string
	RawPayloadDigest string
	ReceivedAt       time.Time
}

// PayloadDigest fingerprints a raw payload for audit without keeping the
// payload itself (which carries phone numbers).
func PayloadDigest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
