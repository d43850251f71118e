package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/StepFlow/internal/models"
	"github.com/BTreeMap/StepFlow/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// fakeEventClient is a WhatsApp sender that also delivers events.
type fakeEventClient struct {
	whatsapp.MockClient
	handler func(evt any)
}

func (f *fakeEventClient) AddEventHandler(handler func(evt any)) {
	f.handler = handler
}

func TestWhatsAppService_SendMessage_Receipt(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendMessage(context.Background(), "+1 (555) 123-4567", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if len(mockClient.Sent) != 1 || mockClient.Sent[0] != "15551234567: hello" {
		t.Errorf("sent = %v", mockClient.Sent)
	}
	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "15551234567" || receipt.Status != models.MessageStatusSent {
			t.Errorf("receipt = %+v", receipt)
		}
	default:
		t.Fatal("expected receipt, got none")
	}
}

func TestWhatsAppService_SendError(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	mockClient.Err = errors.New("offline")
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendMessage(context.Background(), "15551234567", "hello"); err == nil {
		t.Fatal("expected send error")
	}
	select {
	case r := <-svc.Receipts():
		t.Errorf("unexpected receipt %+v", r)
	default:
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("expected receipts channel closed")
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("expected responses channel closed")
	}
	if err := svc.SendMessage(context.Background(), "15551234567", "late"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("err = %v, want ErrServiceStopped", err)
	}
}

func TestWhatsAppService_ForwardsInboundEvents(t *testing.T) {
	client := &fakeEventClient{}
	svc := NewWhatsAppService(client)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if client.handler == nil {
		t.Fatal("event handler not registered")
	}

	text := "hi there"
	client.handler(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Sender: types.NewJID("15551234567", whatsapp.JIDSuffix)},
			ID:            "ABC",
			Timestamp:     time.Unix(1700000000, 0),
		},
		Message: &waE2E.Message{Conversation: &text},
	})
	client.handler(&events.Presence{})

	select {
	case msg := <-svc.Responses():
		if msg.From != "+15551234567" || msg.Body != text || msg.ID != "ABC" {
			t.Errorf("msg = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("inbound message not forwarded")
	}
}

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "15551234567", false},
		{"15551234567", "15551234567", false},
		{"", "", true},
		{"abc", "", true},
		{"+123", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalizePhone(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("CanonicalizePhone(%q) = %q, %v", tt.in, got, err)
		}
	}
}
