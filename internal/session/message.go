package session

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversational turn.
type Role string

const (
	RoleUser   Role = "user"
	RoleBot    Role = "bot"
	RoleSystem Role = "system"
)

// ResponseMetadata holds the accounting a completion response carries.
// It is set once, on the bot message built from that response, and never
// modified afterwards.
type ResponseMetadata struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	FinishReason     string
	ProviderID       string
}

// Message is a single conversational turn. The ID is generated at creation
// and is the sole key for updates, deletes and list diffing. Inactive
// messages stay in the session but are excluded from completion requests.
type Message struct {
	ID        string
	Role      Role
	Text      string
	Active    bool
	Metadata  *ResponseMetadata
	CreatedAt time.Time
}

// NewMessage creates an active message with a fresh ID.
func NewMessage(role Role, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Active:    true,
		CreatedAt: time.Now(),
	}
}

// NewDraftMessage creates the empty user message that represents an
// unfilled input slot.
func NewDraftMessage() Message {
	return NewMessage(RoleUser, "")
}

// NewBotMessage creates a bot message carrying response metadata.
func NewBotMessage(text string, meta *ResponseMetadata) Message {
	m := NewMessage(RoleBot, text)
	m.Metadata = meta
	return m
}

// IsDraft reports whether the message is an empty, active user message.
func (m Message) IsDraft() bool {
	return m.Role == RoleUser && m.Active && m.Text == ""
}
