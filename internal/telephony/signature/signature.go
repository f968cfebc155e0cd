// Package signature verifies that inbound webhooks were sent by the provider
// that claims to have sent them. Every check returns false rather than an
// error and never passes when the secret is missing.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Twilio checks X-Twilio-Signature: base64(HMAC-SHA1(authToken, url +
// concatenated sorted form key/value pairs)).
func Twilio(authToken, callbackURL string, rawBody []byte, header string) bool {
	header = strings.TrimSpace(header)
	if authToken == "" || callbackURL == "" || header == "" {
		return false
	}

	form, err := url.ParseQuery(string(rawBody))
	if err != nil {
		return false
	}

	expected := TwilioSign(authToken, callbackURL, form)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(header)) == 1
}

// TwilioSign computes the signature Twilio attaches to a form callback.
func TwilioSign(authToken, callbackURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(callbackURL)
	for _, k := range keys {
		values := append([]string(nil), form[k]...)
		sort.Strings(values)
		for _, v := range values {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// HMACSHA256 checks a hex HMAC-SHA256 of the raw body. The header may carry a
// "sha256=" prefix.
func HMACSHA256(secret string, rawBody []byte, header string) bool {
	header = strings.TrimSpace(header)
	header = strings.TrimPrefix(header, "sha256=")
	if secret == "" || header == "" {
		return false
	}

	given, err := hex.DecodeString(strings.ToLower(header))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hmac.Equal(mac.Sum(nil), given)
}

// SignHMACSHA256 produces the value HMACSHA256 accepts.
func SignHMACSHA256(secret string, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// SharedSecret compares a static token in constant time. It is the weakest
// scheme and only used when a provider account has no signing configured.
func SharedSecret(secret, header string) bool {
	header = strings.TrimSpace(header)
	if secret == "" || header == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(header)) == 1
}
