package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrCanceled      = errors.New("call canceled")

	ErrAllProvidersExhausted = errors.New("all providers exhausted")

	// Webhook path.
	ErrMalformedPayload     = errors.New("malformed payload")
	ErrUnknownProvider      = errors.New("unknown provider")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrUnknownCallReference = errors.New("unknown call reference")
)
