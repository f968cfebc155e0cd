package twilio

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/acme/masked-call/internal/config"
	"github.com/acme/masked-call/internal/domain"
	"github.com/acme/masked-call/internal/telephony"
	"github.com/acme/masked-call/internal/telephony/signature"
	apperrors "github.com/acme/masked-call/pkg/errors"
)

const SignatureHeader = "X-Twilio-Signature"

// Adapter places masked calls through the Twilio REST API. The caller leg is
// dialled first and inline TwiML bridges the owner behind the virtual number.
type Adapter struct {
	baseURL       string
	accountSID    string
	authToken     string
	virtualNumber string
	client        telephony.HTTPDoer
	now           func() time.Time
}

// New validates the account credentials and builds the adapter. A nil client
// falls back to the shared default.
func New(cfg config.TwilioConfig, client telephony.HTTPDoer) (*Adapter, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("%w: twilio credentials are required", apperrors.ErrConfiguration)
	}
	if cfg.VirtualNumber == "" {
		return nil, fmt.Errorf("%w: twilio virtual number is required", apperrors.ErrConfiguration)
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.twilio.com"
	}
	if client == nil {
		client = telephony.DefaultHTTPClient(0)
	}

	return &Adapter{
		baseURL:       base,
		accountSID:    cfg.AccountSID,
		authToken:     cfg.AuthToken,
		virtualNumber: cfg.VirtualNumber,
		client:        client,
		now:           time.Now,
	}, nil
}

func (a *Adapter) Provider() domain.Provider { return domain.ProviderTwilio }

func (a *Adapter) VirtualNumber() string { return a.virtualNumber }

func (a *Adapter) SignatureHeader() string { return SignatureHeader }

type twimlResponse struct {
	XMLName xml.Name  `xml:"Response"`
	Dial    twimlDial `xml:"Dial"`
}

type twimlDial struct {
	CallerID string `xml:"callerId,attr"`
	Number   string `xml:"Number"`
}

// bridgeTwiML renders the instruction that connects the answered caller leg
// to the owner while presenting the virtual number.
func bridgeTwiML(virtual, owner string) (string, error) {
	out, err := xml.Marshal(twimlResponse{Dial: twimlDial{CallerID: virtual, Number: owner}})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

type callResource struct {
	Sid    string `json:"sid"`
	Status string `json:"status"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// PlaceCall dials the caller with inline TwiML that bridges the owner, so no
// hosted voice URL is needed.
func (a *Adapter) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (*telephony.CallResult, error) {
	twiml, err := bridgeTwiML(a.virtualNumber, req.OwnerNumber.Raw())
	if err != nil {
		return nil, &telephony.ProviderError{Provider: domain.ProviderTwilio, Kind: telephony.ErrorPermanent, Err: fmt.Errorf("render twiml: %w", err)}
	}

	form := url.Values{}
	form.Set("To", req.CallerNumber.Raw())
	form.Set("From", a.virtualNumber)
	form.Set("Twiml", twiml)
	if req.CallbackURL != "" {
		form.Set("StatusCallback", req.CallbackURL)
		form.Set("StatusCallbackMethod", "POST")
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", a.baseURL, url.PathEscape(a.accountSID))
	resp, err := telephony.PostForm(ctx, a.client, domain.ProviderTwilio, endpoint, a.accountSID, a.authToken, form)
	if err != nil {
		return nil, err
	}

	if !resp.OK() {
		perr := &telephony.ProviderError{
			Provider:   domain.ProviderTwilio,
			Kind:       telephony.KindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
		var body apiError
		if json.Unmarshal(resp.Body, &body) == nil && body.Code != 0 {
			perr.Code = strconv.Itoa(body.Code)
		}
		return nil, perr
	}

	var call callResource
	if err := json.Unmarshal(resp.Body, &call); err != nil || call.Sid == "" {
		return nil, &telephony.ProviderError{Provider: domain.ProviderTwilio, Kind: telephony.ErrorPermanent, StatusCode: resp.StatusCode, Code: "missing_sid"}
	}

	status, err := telephony.AcceptedStatus(domain.ProviderTwilio, call.Status)
	if err != nil {
		return nil, err
	}

	return &telephony.CallResult{
		ProviderCallRef: call.Sid,
		Status:          status,
		RawStatus:       call.Status,
		VirtualNumber:   a.virtualNumber,
	}, nil
}

// ParseWebhook reads a Twilio status callback (form encoded).
func (a *Adapter) ParseWebhook(raw []byte) (*domain.WebhookEvent, error) {
	fields, err := telephony.ParseFields(raw)
	if err != nil {
		return nil, err
	}

	ref := fields.First("CallSid")
	rawStatus := fields.First("CallStatus")
	if ref == "" {
		return nil, fmt.Errorf("%w: twilio payload without CallSid", apperrors.ErrMalformedPayload)
	}
	if rawStatus == "" {
		return nil, fmt.Errorf("%w: twilio payload without CallStatus", apperrors.ErrMalformedPayload)
	}

	status, reason := telephony.MapStatus(rawStatus)
	if code := fields.First("ErrorCode"); code != "" && status == domain.CallStatusFailed {
		r := "twilio_error:" + code
		reason = &r
	}

	return &domain.WebhookEvent{
		Provider:         domain.ProviderTwilio,
		ProviderCallRef:  ref,
		Status:           status,
		RawStatus:        rawStatus,
		DurationSeconds:  fields.Seconds("CallDuration", "Duration"),
		FailureReason:    reason,
		RawPayloadDigest: domain.PayloadDigest(raw),
		ReceivedAt:       a.now().UTC(),
	}, nil
}

func (a *Adapter) ValidateSignature(rawBody []byte, sig, callbackURL string) bool {
	return signature.Twilio(a.authToken, callbackURL, rawBody, sig)
}

func (a *Adapter) Probe(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s.json", a.baseURL, url.PathEscape(a.accountSID))
	resp, err := telephony.Get(ctx, a.client, domain.ProviderTwilio, endpoint, a.accountSID, a.authToken)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &telephony.ProviderError{
			Provider:   domain.ProviderTwilio,
			Kind:       telephony.KindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}
	return nil
}
