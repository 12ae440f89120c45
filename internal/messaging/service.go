// Package messaging connects chat channels (Twilio, WhatsApp) to the flow engine.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/BTreeMap/ChatFlow/internal/models"
)

// Channel names, also used as the session id prefix.
const (
	ChannelTwilio   = "twilio"
	ChannelWhatsApp = "whatsapp"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the buffer size of inbound channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound message waits for buffer space
	DefaultChannelTimeout = 1 * time.Second
)

var (
	// ErrServiceStopped is returned when sending or delivering through a stopped service.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrInboundFull is returned when the inbound buffer stays full past DefaultChannelTimeout.
	ErrInboundFull = errors.New("inbound channel full")
)

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// Name is the channel name.
	Name() string
	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error
	// Start begins any background processing.
	Start(ctx context.Context) error
	// Stop stops background processing and closes Inbound.
	Stop() error
	// Inbound returns the channel of messages received from users.
	Inbound() <-chan models.InboundMessage
}

// CanonicalizeRecipient strips everything but digits and requires at least 6 of them.
func CanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// inbox is the stoppable inbound buffer shared by the services.
type inbox struct {
	ch      chan models.InboundMessage
	stopped bool
}

func newInbox() inbox {
	return inbox{ch: make(chan models.InboundMessage, DefaultChannelBufferSize)}
}
