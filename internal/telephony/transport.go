package telephony

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/acme/masked-call/internal/domain"
)

const maxResponseBytes = 1 << 20

// HTTPDoer is the subset of *http.Client the adapters need.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultHTTPClient builds the outbound client shared by adapters.
func DefaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Response is a read provider response.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// PostForm sends a basic-auth form POST. Transport failures come back as
// transient ProviderErrors; HTTP status handling is left to the adapter.
func PostForm(ctx context.Context, client HTTPDoer, provider domain.Provider, endpoint, user, pass string, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ProviderError{Provider: provider, Kind: ErrorPermanent, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(user, pass)
	return send(client, provider, req)
}

// Get sends a basic-auth GET.
func Get(ctx context.Context, client HTTPDoer, provider domain.Provider, endpoint, user, pass string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &ProviderError{Provider: provider, Kind: ErrorPermanent, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(user, pass)
	return send(client, provider, req)
}

func send(client HTTPDoer, provider domain.Provider, req *http.Request) (*Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: provider, Kind: ErrorTransient, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ProviderError{Provider: provider, Kind: ErrorTransient, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// AcceptedStatus narrows a placement status to the live states. A provider
// that answers a placement with a terminal status has rejected the call.
func AcceptedStatus(provider domain.Provider, raw string) (domain.CallStatus, error) {
	status, _ := MapStatus(raw)
	if raw == "" {
		return domain.CallStatusPending, nil
	}
	if status.IsTerminal() {
		return "", &ProviderError{Provider: provider, Kind: ErrorPermanent, Code: "rejected"}
	}
	return status, nil
}
