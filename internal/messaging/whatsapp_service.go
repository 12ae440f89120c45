package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ChatFlow/internal/models"
	"github.com/BTreeMap/ChatFlow/internal/whatsapp"
)

// messageSource is the receiving half of *whatsapp.Client.
type messageSource interface {
	OnMessage(fn func(whatsapp.Incoming)) uint32
}

// WhatsAppService implements Service using the whatsmeow-based client.
type WhatsAppService struct {
	client whatsapp.Sender
	source messageSource
	mu     sync.RWMutex
	inbox  inbox
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService wraps client. When client can also receive (the real *whatsapp.Client),
// Start subscribes to its messages.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{client: client, inbox: newInbox()}
	if src, ok := client.(messageSource); ok {
		s.source = src
		slog.Debug("WhatsAppService created with receiving client")
	} else {
		slog.Debug("WhatsAppService created with send-only client (likely mock)")
	}
	return s
}

// Name implements Service.
func (s *WhatsAppService) Name() string { return ChannelWhatsApp }

// Start subscribes to incoming messages.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.source == nil {
		slog.Debug("WhatsAppService no receiving client, skipping event handling")
		return nil
	}
	s.source.OnMessage(func(in whatsapp.Incoming) {
		s.receive(in)
	})
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop closes the inbound channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbox.stopped {
		return nil
	}
	s.inbox.stopped = true
	close(s.inbox.ch)
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a text message.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.inbox.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	canonical, err := CanonicalizeRecipient(to)
	if err != nil {
		slog.Warn("WhatsAppService.SendMessage: invalid recipient", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonical)
		return err
	}
	return nil
}

// Inbound implements Service.
func (s *WhatsAppService) Inbound() <-chan models.InboundMessage {
	return s.inbox.ch
}

func (s *WhatsAppService) receive(in whatsapp.Incoming) {
	msg := models.InboundMessage{
		Channel:   ChannelWhatsApp,
		MessageID: in.ID,
		From:      in.From,
		Body:      in.Body,
		Time:      in.Time.Unix(),
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.inbox.stopped {
		return
	}
	select {
	case s.inbox.ch <- msg:
		slog.Debug("WhatsAppService incoming message forwarded", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService inbound channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
	}
}
