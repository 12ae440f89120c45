package models

import "time"

// Role identifies who produced a history entry.
type Role string

const (
	// RoleUser marks a message typed by the end user.
	RoleUser Role = "user"
	// RoleBot marks a message emitted by a flow step.
	RoleBot Role = "bot"
)

// MessageKind tags how a channel should render a bot message.
type MessageKind string

const (
	// MessageKindText is plain text.
	MessageKindText MessageKind = "text"
	// MessageKindEmbed is an embeddable link (e.g. a billet PDF).
	MessageKindEmbed MessageKind = "embed"
)

// HistoryEntry is one line of the append-only conversation transcript.
type HistoryEntry struct {
	Role    Role        `json:"role"`
	Message string      `json:"message"`
	Kind    MessageKind `json:"kind,omitempty"`
	Time    time.Time   `json:"time"`
}

// Session is the persisted state of one user's traversal of a flow.
type Session struct {
	ID          string         `json:"id"`
	FlowName    string         `json:"flow_name"`
	CurrentStep string         `json:"current_step"`
	Data        map[string]any `json:"data"`
	History     []HistoryEntry `json:"history"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Message is one bot message returned to the caller of a turn.
type Message struct {
	Kind    MessageKind `json:"kind,omitempty"`
	Content string      `json:"content"`
}

// TurnResult is the envelope returned by every start/continue call.
type TurnResult struct {
	SessionID     string         `json:"session_id"`
	Messages      []Message      `json:"messages"`
	Finalized     bool           `json:"finalized"`
	AwaitingInput bool           `json:"awaiting_input"`
	NotFound      bool           `json:"not_found,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Text joins the message contents with blank lines, for channels that deliver one string.
func (r *TurnResult) Text() string {
	var out string
	for i, m := range r.Messages {
		if i > 0 {
			out += "\n\n"
		}
		out += m.Content
	}
	return out
}

// SessionSnapshot is the read-only view returned by Inspect.
type SessionSnapshot struct {
	ID          string         `json:"session_id"`
	FlowName    string         `json:"flow"`
	CurrentStep string         `json:"current_step"`
	History     []HistoryEntry `json:"history"`
	Data        map[string]any `json:"data"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Snapshot copies the session into a SessionSnapshot.
func (s *Session) Snapshot() *SessionSnapshot {
	history := make([]HistoryEntry, len(s.History))
	copy(history, s.History)
	data := make(map[string]any, len(s.Data))
	for k, v := range s.Data {
		data[k] = v
	}
	return &SessionSnapshot{
		ID:          s.ID,
		FlowName:    s.FlowName,
		CurrentStep: s.CurrentStep,
		History:     history,
		Data:        data,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}
