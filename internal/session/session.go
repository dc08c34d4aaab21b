// Package session implements the conversation core: the ordered message
// list of one active chat, the persona binding, the completion request
// builder and the request lifecycle controller around the LLM call.
package session

import (
	"iter"

	"github.com/google/uuid"

	"github.com/botforge/botforge-go/internal/logger"
)

// Session owns the ordered message list of one active conversation plus
// the persona binding used when building completion requests. All mutation
// goes through its methods; callers only ever see copies of the list.
//
// A session is not safe for concurrent use. The lifecycle Controller is the
// single writer while a request is in flight.
type Session struct {
	messages []Message

	personaSystemMessage string
	personaID            string
	personaMessageID     string
}

// New creates a session seeded with one empty draft so there is always an
// input point.
func New() *Session {
	s := &Session{}
	s.AppendDraft()
	return s
}

// AppendDraft inserts a new empty, active user message at the end and
// returns it.
func (s *Session) AppendDraft() Message {
	m := NewDraftMessage()
	s.messages = append(s.messages, m)
	return m
}

// AppendResult inserts a completion result at the end. Used by the
// lifecycle controller when a request succeeds.
func (s *Session) AppendResult(m Message) {
	s.messages = append(s.messages, m)
}

// Update replaces text, role and active flag of the message with the given
// ID, preserving its position, metadata and creation time. It reports
// whether the message was found.
func (s *Session) Update(id string, text string, role Role, active bool) bool {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Text = text
			s.messages[i].Role = role
			s.messages[i].Active = active
			return true
		}
	}
	logger.L.Debug("update of unknown message ignored", "id", id)
	return false
}

// Delete removes the message with the given ID. Deleting an absent ID is a
// no-op.
func (s *Session) Delete(id string) {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// ClearAll empties the list and re-seeds a single draft, so the session
// never becomes permanently empty through this path.
func (s *Session) ClearAll() Message {
	s.messages = s.messages[:0]
	return s.AppendDraft()
}

// ReplaceAll swaps in a wholesale new message list, as when loading a
// saved chat. No draft is appended; loaded chats may legitimately end on a
// bot message.
func (s *Session) ReplaceAll(msgs []Message) {
	s.messages = make([]Message, len(msgs))
	copy(s.messages, msgs)
}

// Messages returns a snapshot copy of the message list.
func (s *Session) Messages() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages, active or not.
func (s *Session) Len() int {
	return len(s.messages)
}

// Get returns the message with the given ID.
func (s *Session) Get(id string) (Message, bool) {
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// ActiveMessages returns a restartable sequence over the active messages in
// original order. This is the sole input to request building; inactive
// messages are scratch the user keeps around without resending.
func (s *Session) ActiveMessages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for _, m := range s.messages {
			if !m.Active {
				continue
			}
			if !yield(m) {
				return
			}
		}
	}
}

// FillDraft writes text into the trailing draft, appending a fresh draft
// first if the session does not end on one, and returns the filled message.
func (s *Session) FillDraft(text string) Message {
	if n := len(s.messages); n == 0 || !s.messages[n-1].IsDraft() {
		s.AppendDraft()
	}
	last := &s.messages[len(s.messages)-1]
	last.Text = text
	return *last
}

// BindPersona associates a system message, and optionally a persona ID,
// with the conversation. An empty personaID means an ad-hoc override with
// no saved persona behind it. Rebinding the same system message keeps the
// persisted system-row ID; a changed message gets a fresh one.
func (s *Session) BindPersona(systemMessage, personaID string) {
	if s.personaMessageID == "" || s.personaSystemMessage != systemMessage {
		s.personaMessageID = uuid.NewString()
	}
	s.personaSystemMessage = systemMessage
	s.personaID = personaID
}

// ClearPersona removes the persona binding; requests fall back to the
// default system message.
func (s *Session) ClearPersona() {
	s.personaSystemMessage = ""
	s.personaID = ""
	s.personaMessageID = ""
}

// PersonaSystemMessage returns the bound system message, empty when none.
func (s *Session) PersonaSystemMessage() string {
	return s.personaSystemMessage
}

// PersonaID returns the bound persona ID, empty when no saved persona is
// bound.
func (s *Session) PersonaID() string {
	return s.personaID
}

// LoadFromRecords replaces the session with messages loaded from storage.
// When the head message is a system message it is peeled off and bound as
// the persona system message (persona ID unset, since the stored persona
// may no longer exist) instead of being shown as a turn. A non-system head
// means legacy or corrupt data; the messages are kept as-is and no binding
// is derived.
func (s *Session) LoadFromRecords(msgs []Message) {
	if len(msgs) > 0 && msgs[0].Role == RoleSystem {
		s.BindPersona(msgs[0].Text, "")
		s.personaMessageID = msgs[0].ID
		s.ReplaceAll(msgs[1:])
		return
	}
	if len(msgs) > 0 {
		logger.L.Warn("loaded chat does not start with a system message; keeping all turns", "head_role", string(msgs[0].Role))
	}
	s.ClearPersona()
	s.ReplaceAll(msgs)
}

// PersistedMessages returns the list to hand to storage: the bound system
// message first when one is present, then every message in order. The
// inverse of LoadFromRecords. The system row carries the binding's stable
// ID so repeated saves of an unchanged binding produce identical rows.
func (s *Session) PersistedMessages() []Message {
	out := make([]Message, 0, len(s.messages)+1)
	if s.personaSystemMessage != "" {
		head := NewMessage(RoleSystem, s.personaSystemMessage)
		head.ID = s.personaMessageID
		out = append(out, head)
	}
	out = append(out, s.messages...)
	return out
}
