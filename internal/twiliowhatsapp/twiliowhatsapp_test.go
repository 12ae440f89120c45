package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	if err := mock.SendMessage(ctx, "5511999990000", "Olá"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].Body != "Olá" || sent[0].To != "5511999990000" {
		t.Errorf("unexpected message %+v", sent[0])
	}

	mock.Err = errors.New("boom")
	if err := mock.SendMessage(ctx, "1", "x"); err == nil {
		t.Error("expected configured error")
	}
}

func TestAddressAndNumber(t *testing.T) {
	tests := []struct {
		in, address, number string
	}{
		{"+5511999990000", "whatsapp:+5511999990000", "+5511999990000"},
		{"whatsapp:+5511999990000", "whatsapp:+5511999990000", "+5511999990000"},
	}
	for _, tt := range tests {
		if got := Address(tt.in); got != tt.address {
			t.Errorf("Address(%q) = %q, want %q", tt.in, got, tt.address)
		}
		if got := Number(tt.in); got != tt.number {
			t.Errorf("Number(%q) = %q, want %q", tt.in, got, tt.number)
		}
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromNumber("+14155238886"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.from != "whatsapp:+14155238886" {
		t.Errorf("from = %q", c.from)
	}
}
