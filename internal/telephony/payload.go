package telephony

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	apperrors "github.com/acme/masked-call/pkg/errors"
)

// Fields is a flat view over a webhook payload, whichever encoding the
// provider used.
type Fields map[string]string

// ParseFields decodes a JSON object or a form-encoded body. Nested JSON values
// are ignored; only top-level scalars are kept.
func ParseFields(raw []byte) (Fields, error) {
	body := bytes.TrimSpace(raw)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", apperrors.ErrMalformedPayload)
	}

	if body[0] == '{' {
		return parseJSONFields(body)
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: form body", apperrors.ErrMalformedPayload)
	}
	out := make(Fields, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out, nil
}

func parseJSONFields(body []byte) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: json body", apperrors.ErrMalformedPayload)
	}

	out := make(Fields, len(doc))
	for k, v := range doc {
		switch val := v.(type) {
		case string:
			out[k] = val
		case json.Number:
			out[k] = val.String()
		case bool:
			out[k] = strconv.FormatBool(val)
		}
	}
	return out, nil
}

// First returns the first non-empty value among the given keys.
func (f Fields) First(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(f[k]); v != "" {
			return v
		}
	}
	return ""
}

// Seconds parses an optional duration field. Garbage yields nil rather than
// an error since duration is never required.
func (f Fields) Seconds(keys ...string) *int {
	raw := f.First(keys...)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	secs := int(math.Round(v))
	return &secs
}
