package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/ChatFlow/internal/whatsapp"
)

// receivingClient is a whatsapp client fake that can also push messages.
type receivingClient struct {
	whatsapp.MockClient
	handler func(whatsapp.Incoming)
}

func (c *receivingClient) OnMessage(fn func(whatsapp.Incoming)) uint32 {
	c.handler = fn
	return 1
}

func TestWhatsAppService_SendMessage(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendMessage(context.Background(), "+55 (11) 99999-0000", "olá"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if len(mockClient.Sent) != 1 || mockClient.Sent[0].From != "5511999990000" {
		t.Errorf("unexpected sent messages: %+v", mockClient.Sent)
	}
	if err := svc.SendMessage(context.Background(), "12", "x"); err == nil {
		t.Error("expected short recipient to be rejected")
	}
}

func TestWhatsAppService_ReceivesMessages(t *testing.T) {
	client := &receivingClient{}
	svc := NewWhatsAppService(client)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if client.handler == nil {
		t.Fatal("Start did not subscribe to messages")
	}
	client.handler(whatsapp.Incoming{ID: "ABC", From: "5511999990000", Body: "oi", Time: time.Unix(1700000000, 0)})

	select {
	case msg := <-svc.Inbound():
		if msg.Channel != ChannelWhatsApp || msg.MessageID != "ABC" || msg.Body != "oi" || msg.Time != 1700000000 {
			t.Errorf("unexpected inbound message: %+v", msg)
		}
	default:
		t.Fatal("expected inbound message, got none")
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
	if msg, ok := <-svc.Inbound(); ok {
		t.Errorf("expected inbound channel closed, got %v", msg)
	}
	if err := svc.SendMessage(context.Background(), "5511999990000", "x"); err != ErrServiceStopped {
		t.Errorf("SendMessage after Stop = %v, want ErrServiceStopped", err)
	}
}
