package telephony

import (
	"strings"

	"github.com/acme/masked-call/internal/domain"
)

const maxRawStatusLen = 64

// MapStatus translates a provider status word into the shared vocabulary.
// The mapping is deterministic; unknown words become failed with an
// unmapped_status reason instead of being dropped.
func MapStatus(raw string) (domain.CallStatus, *string) {
	trimmed := strings.TrimSpace(raw)
	key := strings.NewReplacer("_", "-", " ", "-").Replace(strings.ToLower(trimmed))

	switch key {
	case "queued", "initiated", "pending":
		return domain.CallStatusPending, nil
	case "ringing":
		return domain.CallStatusRinging, nil
	case "in-progress", "answered":
		return domain.CallStatusInProgress, nil
	case "completed":
		return domain.CallStatusCompleted, nil
	case "busy", "no-answer":
		reason := key
		return domain.CallStatusNoAnswer, &reason
	case "failed":
		return domain.CallStatusFailed, nil
	case "canceled", "cancelled":
		reason := "canceled"
		return domain.CallStatusFailed, &reason
	default:
		if len(trimmed) > maxRawStatusLen {
			trimmed = trimmed[:maxRawStatusLen]
		}
		reason := "unmapped_status:" + trimmed
		return domain.CallStatusFailed, &reason
	}
}
