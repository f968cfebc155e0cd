// Package common holds helpers shared by the service layer and its callers.
package common

import (
	"encoding/base64"
	"fmt"

	apperrors "github.com/acme/masked-call/pkg/errors"
)

const maxPageTokenLen = 4096

// EncodePageToken turns an opaque storage paging state into a URL-safe token.
// An exhausted listing yields the empty token.
func EncodePageToken(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(state)
}

// DecodePageToken reverses EncodePageToken. The empty token means the first
// page.
func DecodePageToken(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	if len(token) > maxPageTokenLen {
		return nil, fmt.Errorf("%w: page token too long", apperrors.ErrValidation)
	}
	state, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid page token", apperrors.ErrValidation)
	}
	return state, nil
}
