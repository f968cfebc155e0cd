package exotel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/acme/masked-call/internal/config"
	"github.com/acme/masked-call/internal/domain"
	"github.com/acme/masked-call/internal/telephony"
	"github.com/acme/masked-call/internal/telephony/signature"
	apperrors "github.com/acme/masked-call/pkg/errors"
)

const (
	SignatureHeader = "X-Exotel-Signature"

	SchemeHMACSHA256   = "hmac-sha256"
	SchemeSharedSecret = "shared-secret"
)

// Adapter places masked calls through Exotel's connect API.
type Adapter struct {
	baseURL       string
	accountSID    string
	apiKey        string
	apiToken      string
	virtualNumber string
	secret        string
	scheme        string
	client        telephony.HTTPDoer
	now           func() time.Time
}

// New validates credentials and builds the adapter.
func New(cfg config.ExotelConfig, client telephony.HTTPDoer) (*Adapter, error) {
	switch {
	case cfg.AccountSID == "", cfg.APIKey == "", cfg.APIToken == "":
		return nil, fmt.Errorf("%w: exotel credentials are required", apperrors.ErrConfiguration)
	case cfg.VirtualNumber == "":
		return nil, fmt.Errorf("%w: exotel virtual number is required", apperrors.ErrConfiguration)
	}

	scheme := strings.ToLower(strings.TrimSpace(cfg.SignatureScheme))
	if scheme == "" {
		scheme = SchemeHMACSHA256
	}
	if scheme != SchemeHMACSHA256 && scheme != SchemeSharedSecret {
		return nil, fmt.Errorf("%w: unsupported exotel signature scheme %q", apperrors.ErrConfiguration, scheme)
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.exotel.com"
	}
	if client == nil {
		client = telephony.DefaultHTTPClient(0)
	}

	return &Adapter{
		baseURL:       base,
		accountSID:    cfg.AccountSID,
		apiKey:        cfg.APIKey,
		apiToken:      cfg.APIToken,
		virtualNumber: cfg.VirtualNumber,
		secret:        cfg.SigningSecret,
		scheme:        scheme,
		client:        client,
		now:           time.Now,
	}, nil
}

func (a *Adapter) Provider() domain.Provider { return domain.ProviderExotel }

func (a *Adapter) VirtualNumber() string { return a.virtualNumber }

func (a *Adapter) SignatureHeader() string { return SignatureHeader }

type connectResponse struct {
	Call struct {
		Sid    string `json:"Sid"`
		Status string `json:"Status"`
	} `json:"Call"`
}

type errorResponse struct {
	RestException struct {
		Code json.RawMessage `json:"Code"`
	} `json:"RestException"`
}

// PlaceCall dials the caller first and bridges the owner, presenting the
// virtual number to both legs.
func (a *Adapter) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (*telephony.CallResult, error) {
	endpoint := fmt.Sprintf("%s/v1/Accounts/%s/Calls/connect.json", a.baseURL, url.PathEscape(a.accountSID))

	form := url.Values{}
	form.Set("From", req.CallerNumber.Raw())
	form.Set("To", req.OwnerNumber.Raw())
	form.Set("CallerId", a.virtualNumber)
	form.Set("CustomField", req.SessionID.String())
	if req.CallbackURL != "" {
		form.Set("StatusCallback", req.CallbackURL)
		form.Set("StatusCallbackEvents[0]", "terminal")
		form.Set("StatusCallbackContentType", "application/json")
	}

	resp, err := telephony.PostForm(ctx, a.client, domain.ProviderExotel, endpoint, a.apiKey, a.apiToken, form)
	if err != nil {
		return nil, err
	}

	if !resp.OK() {
		return nil, &telephony.ProviderError{
			Provider:   domain.ProviderExotel,
			Kind:       telephony.KindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Code:       errorCode(resp.Body),
		}
	}

	var body connectResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.Call.Sid == "" {
		return nil, &telephony.ProviderError{Provider: domain.ProviderExotel, Kind: telephony.ErrorPermanent, StatusCode: resp.StatusCode, Code: "missing_sid"}
	}

	status, err := telephony.AcceptedStatus(domain.ProviderExotel, body.Call.Status)
	if err != nil {
		return nil, err
	}

	return &telephony.CallResult{
		ProviderCallRef: body.Call.Sid,
		Status:          status,
		RawStatus:       body.Call.Status,
		VirtualNumber:   a.virtualNumber,
	}, nil
}

// ParseWebhook accepts Exotel's JSON or form callbacks. Field names differ
// between the passthru applet and the connect status callback, so aliases are
// tried in order.
func (a *Adapter) ParseWebhook(raw []byte) (*domain.WebhookEvent, error) {
	fields, err := telephony.ParseFields(raw)
	if err != nil {
		return nil, err
	}

	ref := fields.First("CallSid", "Sid", "call_sid")
	rawStatus := fields.First("Status", "CallStatus", "DialCallStatus", "status")
	if ref == "" {
		return nil, fmt.Errorf("%w: exotel payload without call sid", apperrors.ErrMalformedPayload)
	}
	if rawStatus == "" {
		return nil, fmt.Errorf("%w: exotel payload without status", apperrors.ErrMalformedPayload)
	}

	status, reason := telephony.MapStatus(rawStatus)
	return &domain.WebhookEvent{
		Provider:         domain.ProviderExotel,
		ProviderCallRef:  ref,
		Status:           status,
		RawStatus:        rawStatus,
		DurationSeconds:  fields.Seconds("ConversationDuration", "DialCallDuration", "CallDuration", "Duration"),
		FailureReason:    reason,
		RawPayloadDigest: domain.PayloadDigest(raw),
		ReceivedAt:       a.now().UTC(),
	}, nil
}

// ValidateSignature checks the callback according to the configured scheme.
// Without a signing secret nothing validates.
func (a *Adapter) ValidateSignature(rawBody []byte, sig, _ string) bool {
	switch a.scheme {
	case SchemeHMACSHA256:
		return signature.HMACSHA256(a.secret, rawBody, sig)
	case SchemeSharedSecret:
		return signature.SharedSecret(a.secret, sig)
	default:
		return false
	}
}

// Probe fetches the account resource, which needs valid credentials but
// places nothing.
func (a *Adapter) Probe(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/v1/Accounts/%s.json", a.baseURL, url.PathEscape(a.accountSID))
	resp, err := telephony.Get(ctx, a.client, domain.ProviderExotel, endpoint, a.apiKey, a.apiToken)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &telephony.ProviderError{
			Provider:   domain.ProviderExotel,
			Kind:       telephony.KindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}
	return nil
}

func errorCode(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err != nil || len(e.RestException.Code) == 0 {
		return ""
	}
	return strings.Trim(string(e.RestException.Code), `"`)
}
