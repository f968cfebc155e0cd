package common

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	apperrors "github.com/acme/masked-call/pkg/errors"
)

func TestPageToken(t *testing.T) {
	if EncodePageToken(nil) != "" {
		t.Fatalf("exhausted listing must encode to the empty token")
	}

	state := []byte{0, 0, 0, 0, 0, 0, 0, 42, 0xff}
	token := EncodePageToken(state)
	if strings.ContainsAny(token, "+/=") {
		t.Fatalf("token %q is not url safe", token)
	}

	got, err := DecodePageToken(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, state) {
		t.Fatalf("decoded %v, want %v", got, state)
	}

	if got, err := DecodePageToken(""); err != nil || got != nil {
		t.Fatalf("empty token must mean first page, got %v %v", got, err)
	}
}

func TestDecodePageTokenRejectsGarbage(t *testing.T) {
	for _, token := range []string{"***", strings.Repeat("a", maxPageTokenLen+1)} {
		if _, err := DecodePageToken(token); !errors.Is(err, apperrors.ErrValidation) {
			t.Fatalf("token %.10q: expected validation error, got %v", token, err)
		}
	}
}
