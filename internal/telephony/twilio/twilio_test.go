package twilio

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/acme/masked-call/internal/config"
	"github.com/acme/masked-call/internal/domain"
	"github.com/acme/masked-call/internal/telephony"
	"github.com/acme/masked-call/internal/telephony/signature"
	apperrors "github.com/acme/masked-call/pkg/errors"
)

func testConfig(base string) config.TwilioConfig {
	return config.TwilioConfig{
		BaseURL:       base,
		AccountSID:    "AC123",
		AuthToken:     "token",
		VirtualNumber: "+15550000000",
	}
}

func placeRequest(t *testing.T) telephony.PlaceCallRequest {
	t.Helper()
	caller, _ := domain.ParsePhoneNumber("+15551112222")
	owner, _ := domain.ParsePhoneNumber("+15553334444")
	return telephony.PlaceCallRequest{
		SessionID:     uuid.New(),
		AttemptNumber: 4,
		CallerNumber:  caller,
		OwnerNumber:   owner,
		CallbackURL:   "https://hooks.example.com/webhooks/twilio",
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	cfg := testConfig("")
	cfg.AuthToken = ""
	if _, err := New(cfg, nil); !errors.Is(err, apperrors.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestBridgeTwiML(t *testing.T) {
	out, err := bridgeTwiML("+15550000000", "+15553334444")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := `<Response><Dial callerId="+15550000000"><Number>+15553334444</Number></Dial></Response>`
	if out != want {
		t.Fatalf("twiml = %s", out)
	}
}

func TestPlaceCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC123/Calls.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("To") != "+15551112222" || r.PostForm.Get("From") != "+15550000000" {
			t.Errorf("unexpected legs")
		}
		if !strings.Contains(r.PostForm.Get("Twiml"), "+15553334444") {
			t.Errorf("owner not bridged")
		}
		if len(r.PostForm["StatusCallbackEvent"]) != 4 {
			t.Errorf("status callback events missing")
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA1","status":"queued"}`))
	}))
	defer srv.Close()

	adapter, err := New(testConfig(srv.URL), srv.Client())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := adapter.PlaceCall(context.Background(), placeRequest(t))
	if err != nil {
		t.Fatalf("place call: %v", err)
	}
	if res.ProviderCallRef != "CA1" || res.Status != domain.CallStatusPending {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPlaceCallErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"The 'To' number +15551112222 is not valid","status":400}`))
	}))
	defer srv.Close()

	adapter, err := New(testConfig(srv.URL), srv.Client())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = adapter.PlaceCall(context.Background(), placeRequest(t))

	var perr *telephony.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if perr.Kind != telephony.ErrorPermanent || perr.Code != "21211" {
		t.Fatalf("unexpected error %+v", perr)
	}
	if strings.Contains(err.Error(), "5551112222") {
		t.Fatalf("error leaked a phone number")
	}
}

func TestParseWebhook(t *testing.T) {
	adapter, err := New(testConfig(""), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ev, err := adapter.ParseWebhook([]byte("CallSid=CA1&CallStatus=completed&CallDuration=61"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Provider != domain.ProviderTwilio || ev.Status != domain.CallStatusCompleted {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.DurationSeconds == nil || *ev.DurationSeconds != 61 {
		t.Fatalf("duration = %v", ev.DurationSeconds)
	}

	ev, err = adapter.ParseWebhook([]byte("CallSid=CA2&CallStatus=failed&ErrorCode=31005"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.FailureReason == nil || *ev.FailureReason != "twilio_error:31005" {
		t.Fatalf("reason = %v", ev.FailureReason)
	}

	if _, err := adapter.ParseWebhook([]byte("CallStatus=completed")); !errors.Is(err, apperrors.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
}

func TestValidateSignature(t *testing.T) {
	adapter, err := New(testConfig(""), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	form := url.Values{}
	form.Set("CallSid", "CA1")
	form.Set("CallStatus", "completed")
	callback := "https://hooks.example.com/webhooks/twilio"
	sig := signature.TwilioSign("token", callback, form)

	if !adapter.ValidateSignature([]byte(form.Encode()), sig, callback) {
		t.Fatalf("expected valid signature")
	}
	if adapter.ValidateSignature([]byte(form.Encode()), sig, "https://other.example.com/webhooks/twilio") {
		t.Fatalf("signature must bind the callback url")
	}
}
