package session

import (
	"strings"

	"github.com/sashabaranov/go-openai"
)

// DefaultSystemMessage is sent when no persona system message is bound.
const DefaultSystemMessage = "You are a helpful assistant."

// BuildRequest converts the current session state into the ordered message
// list sent to the completion service: one system message first (the persona
// binding, or the default when the binding is blank), then every active
// message in session order. Filtering is by active flag only, never by role,
// so manually added system turns go out too. The session is not mutated.
func BuildRequest(s *Session) []openai.ChatCompletionMessage {
	systemMessage := s.PersonaSystemMessage()
	if strings.TrimSpace(systemMessage) == "" {
		systemMessage = DefaultSystemMessage
	}

	out := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemMessage,
	}}
	for m := range s.ActiveMessages() {
		out = append(out, openai.ChatCompletionMessage{
			Role:    wireRole(m.Role),
			Content: m.Text,
		})
	}
	return out
}

func wireRole(r Role) string {
	switch r {
	case RoleBot:
		return openai.ChatMessageRoleAssistant
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}
