package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ChatFlow/internal/models"
	"github.com/BTreeMap/ChatFlow/internal/twiliowhatsapp"
)

// TwilioService implements Service over the Twilio API. Twilio pushes inbound messages to a
// webhook, whose handler hands them over with Deliver.
type TwilioService struct {
	client twiliowhatsapp.Sender
	mu     sync.RWMutex
	inbox  inbox
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService sending through client (real or mock).
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{client: client, inbox: newInbox()}
}

// Name implements Service.
func (s *TwilioService) Name() string { return ChannelTwilio }

// Start is a no-op for Twilio.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel. Later deliveries fail with ErrServiceStopped.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbox.stopped {
		return nil
	}
	s.inbox.stopped = true
	close(s.inbox.ch)
	slog.Info("TwilioService stopped")
	return nil
}

// SendMessage sends a message to a WhatsApp number via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.inbox.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	canonical, err := CanonicalizeRecipient(to)
	if err != nil {
		slog.Warn("TwilioService.SendMessage: invalid recipient", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, "+"+canonical, body)
}

// Inbound implements Service.
func (s *TwilioService) Inbound() <-chan models.InboundMessage {
	return s.inbox.ch
}

// Deliver queues a message received by the webhook. From is normalized to digits.
func (s *TwilioService) Deliver(ctx context.Context, msg models.InboundMessage) error {
	canonical, err := CanonicalizeRecipient(twiliowhatsapp.Number(msg.From))
	if err != nil {
		return err
	}
	msg.From = canonical
	msg.Channel = ChannelTwilio
	if msg.Time == 0 {
		msg.Time = time.Now().Unix()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.inbox.stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.From)
		return ErrServiceStopped
	}
	select {
	case s.inbox.ch <- msg:
		slog.Debug("TwilioService emitted inbound message", "from", msg.From, "message_id", msg.MessageID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService inbound channel blocked, dropping message", "from", msg.From)
		return ErrInboundFull
	}
}
