package domain

import (
	"fmt"
	"regexp"
	"strings"

	apperrors "github.com/acme/masked-call/pkg/errors"
)

// Provider identifies a telephony provider able to place masked calls.
type Provider string

const (
	ProviderExotel Provider = "exotel"
	ProviderTwilio Provider = "twilio"
)

// Providers lists every provider the service knows how to talk to.
func Providers() []Provider {
	return []Provider{ProviderExotel, ProviderTwilio}
}

// ParseProvider maps a provider tag onto the closed Provider set.
func ParseProvider(value string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(value)))
	switch p {
	case ProviderExotel, ProviderTwilio:
		return p, nil
	default:
		return "", apperrors.ErrUnknownProvider
	}
}

func (p Provider) String() string { return string(p) }

// CallStatus enumerates lifecycle stages shared by attempts and sessions.
type CallStatus string

const (
	CallStatusPending    CallStatus = "pending"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
)

// IsTerminal reports whether no further provider updates are expected.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer:
		return true
	default:
		return false
	}
}

// rank orders statuses so that updates never move an attempt backwards.
func (s CallStatus) rank() int {
	switch s {
	case CallStatusPending:
		return 1
	case CallStatusRinging:
		return 2
	case CallStatusInProgress:
		return 3
	case CallStatusFailed:
		return 4
	case CallStatusNoAnswer:
		return 5
	case CallStatusCompleted:
		return 6
	default:
		return 0
	}
}

const redacted = "[redacted]"

// PhoneNumber holds a raw subscriber number. Every rendering path except Raw
// is redacted so that a session can be logged or serialised safely.
type PhoneNumber string

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// ParsePhoneNumber normalises common separators and checks the number is
// plausibly dialable.
func ParsePhoneNumber(value string) (PhoneNumber, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(value))

	if cleaned == "" {
		return "", fmt.Errorf("%w: phone number is required", apperrors.ErrValidation)
	}
	if !phonePattern.MatchString(cleaned) {
		return "", fmt.Errorf("%w: phone number is not a plausible E.164 number", apperrors.ErrValidation)
	}
	return PhoneNumber(cleaned), nil
}

// Raw returns the digits for provider dispatch and storage.
func (p PhoneNumber) Raw() string { return string(p) }

// SameSubscriber reports whether both numbers dial the same digits, with or
// without the leading plus.
func (p PhoneNumber) SameSubscriber(other PhoneNumber) bool {
	return strings.TrimPrefix(string(p), "+") == strings.TrimPrefix(string(other), "+")
}

func (p PhoneNumber) String() string { return redacted }

func (p PhoneNumber) GoString() string { return redacted }

func (p PhoneNumber) MarshalText() ([]byte, error) { return []byte(redacted), nil }

func (p PhoneNumber) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }
