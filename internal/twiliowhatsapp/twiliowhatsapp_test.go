package twiliowhatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"sort"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	if err := mock.SendMessage(ctx, "12345", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].Body != "Hello Test" {
		t.Errorf("expected body %q, got %q", "Hello Test", sent[0].Body)
	}

	mock.Err = errors.New("boom")
	if err := mock.SendMessage(ctx, "12345", "again"); err == nil {
		t.Error("expected error from failing mock")
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Fatal("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Fatal("expected error without from number")
	}
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("+15550001111"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.fromWhats != "whatsapp:+15550001111" {
		t.Errorf("fromWhats = %q", c.fromWhats)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "ACenv")
	t.Setenv("TWILIO_AUTH_TOKEN", "envtok")
	t.Setenv("TWILIO_FROM_NUMBER", "whatsapp:+1")

	cfg := configFromEnv(WithAccountSID("ACopt"))
	if cfg.AccountSID != "ACopt" || cfg.AuthToken != "envtok" || cfg.FromWhats != "whatsapp:+1" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestWhatsAppAddress(t *testing.T) {
	if got := WhatsAppAddress("+1555"); got != "whatsapp:+1555" {
		t.Errorf("WhatsAppAddress = %q", got)
	}
	if got := WhatsAppAddress("whatsapp:+1555"); got != "whatsapp:+1555" {
		t.Errorf("WhatsAppAddress kept prefix badly: %q", got)
	}
	if got := StripWhatsAppAddress("whatsapp:+1555"); got != "+1555" {
		t.Errorf("StripWhatsAppAddress = %q", got)
	}
}

// sign reproduces Twilio's signature: HMAC-SHA1 over the URL followed by
// the sorted form keys and values.
func sign(token, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := url
	for _, k := range keys {
		data += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSignatureValidator(t *testing.T) {
	url := "https://example.com/twilio/webhook"
	params := map[string]string{"From": "whatsapp:+15551234567", "Body": "hi"}
	v := NewSignatureValidator("secret")

	if !v.Validate(url, params, sign("secret", url, params)) {
		t.Error("valid signature rejected")
	}
	if v.Validate(url, params, sign("other", url, params)) {
		t.Error("signature with wrong token accepted")
	}
}
