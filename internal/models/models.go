// Package models defines the core data structures for ChatFlow.
//
// It includes the session record persisted by the stores, the turn result returned by the
// engine, and the request/response envelopes shared by the HTTP and messaging surfaces.
package models

import (
	"errors"
	"strings"
)

// Validation constants for input validation
const (
	// MaxMessageLength defines the maximum allowed length for an inbound user message
	MaxMessageLength = 4096
	// MaxSessionIDLength defines the maximum allowed length for a caller supplied session id
	MaxSessionIDLength = 128
)

// Error variables for better error handling and testability
var (
	ErrEmptyFlowName      = errors.New("flow name is required")
	ErrEmptySessionID     = errors.New("session id is required")
	ErrSessionIDTooLong   = errors.New("session id exceeds maximum length")
	ErrEmptyMessage       = errors.New("message is required")
	ErrMessageTooLong     = errors.New("message exceeds maximum length")
	ErrInvalidSessionID   = errors.New("session id contains invalid characters")
	ErrMissingContextKeys = errors.New("missing required context keys")
)

// StartRequest is the body of a request that starts a flow.
type StartRequest struct {
	SessionID string         `json:"session_id,omitempty"` // optional; generated when empty
	Flow      string         `json:"flow"`
	Contract  string         `json:"contract,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Validate checks the request shape. Flow existence is checked by the engine.
func (r *StartRequest) Validate() error {
	if strings.TrimSpace(r.Flow) == "" {
		return ErrEmptyFlowName
	}
	if r.SessionID != "" {
		if err := ValidateSessionID(r.SessionID); err != nil {
			return err
		}
	}
	return nil
}

// InitialData merges Context and the top-level Contract into the data a new session starts with.
func (r *StartRequest) InitialData() map[string]any {
	data := make(map[string]any, len(r.Context)+1)
	for k, v := range r.Context {
		data[k] = v
	}
	if r.Contract != "" {
		data["contract"] = r.Contract
	}
	return data
}

// MessageRequest is the body of a request that continues a session.
type MessageRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// Validate checks the request shape.
func (r *MessageRequest) Validate() error {
	if err := ValidateSessionID(r.SessionID); err != nil {
		return err
	}
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// ValidateSessionID rejects empty, oversized, or control-character session ids.
func ValidateSessionID(id string) error {
	if id == "" {
		return ErrEmptySessionID
	}
	if len(id) > MaxSessionIDLength {
		return ErrSessionIDTooLong
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f || r == '/' {
			return ErrInvalidSessionID
		}
	}
	return nil
}

// InboundMessage is a user message received from a messaging channel.
type InboundMessage struct {
	Channel   string `json:"channel"`    // e.g. "twilio", "whatsapp"
	MessageID string `json:"message_id"` // provider id, used for de-duplication
	From      string `json:"from"`       // E.164 number
	Body      string `json:"body"`
	Time      int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
