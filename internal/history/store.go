// Package history provides SQLite-based persistence for saved chats and
// personas. The database is opened lazily and created on first use. If
// opening the DB fails, the store falls back to in-memory storage so the
// application keeps working without durability.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/botforge/botforge-go/internal/logger"
	"github.com/botforge/botforge-go/internal/persona"
	"github.com/botforge/botforge-go/internal/session"
)

// Chat is the persisted record of a conversation: a named, timestamped
// snapshot plus an optional persona reference (empty PersonaID means no
// persona was bound).
type Chat struct {
	ID        string
	Name      string
	PersonaID string
	SavedAt   time.Time
}

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrPersonaNotFound = errors.New("persona not found")
)

// Store persists chats, their message lists, and personas.
type Store struct {
	mu   sync.Mutex
	path string

	once    sync.Once
	db      *sql.DB
	initErr error

	// in-memory fallback
	memChats    map[string]Chat
	memMessages map[string][]session.Message
	memPersonas map[string]persona.Persona
}

// Open creates a store backed by the SQLite file at path. The file is not
// touched until the first operation.
func Open(path string) *Store {
	return &Store{
		path:        path,
		memChats:    make(map[string]Chat),
		memMessages: make(map[string][]session.Message),
		memPersonas: make(map[string]persona.Persona),
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
    id TEXT PRIMARY KEY,
    name TEXT,
    persona_id TEXT,
    saved_at DATETIME
);
CREATE TABLE IF NOT EXISTS chat_messages (
    chat_id TEXT,
    position INTEGER,
    message_id TEXT,
    role TEXT,
    content TEXT,
    active INTEGER,
    created_at DATETIME,
    prompt_tokens INTEGER,
    completion_tokens INTEGER,
    total_tokens INTEGER,
    finish_reason TEXT,
    provider_id TEXT,
    PRIMARY KEY (chat_id, position)
);
CREATE TABLE IF NOT EXISTS personas (
    id TEXT PRIMARY KEY,
    name TEXT,
    alias TEXT,
    system_message TEXT,
    created_at DATETIME
);`

// initDB lazily opens the SQLite database and creates the tables if they
// don't exist.
func (s *Store) initDB() {
	db, err := sql.Open("sqlite", "file:"+s.path+"?_busy_timeout=10000&_fk=1")
	if err != nil {
		s.initErr = err
		logger.L.Warn("sqlite open failed; using in-memory history", "error", err)
		return
	}
	if _, err = db.Exec(schema); err != nil {
		s.initErr = err
		if cerr := db.Close(); cerr != nil {
			logger.L.Warn("closing sqlite after failed schema creation", "error", cerr)
		}
		logger.L.Warn("sqlite schema creation failed; using in-memory history", "error", err)
		return
	}
	s.db = db
	logger.L.Info("sqlite history DB initialized", "path", s.path)
}

func (s *Store) ready() bool {
	s.once.Do(s.initDB)
	return s.initErr == nil && s.db != nil
}

// SaveChat persists the chat record and its ordered message list, replacing
// any previous snapshot with the same chat ID. Callers persist the bound
// system message as the first entry (see session.PersistedMessages).
func (s *Store) SaveChat(chat Chat, messages []session.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		s.memChats[chat.ID] = chat
		snapshot := make([]session.Message, len(messages))
		copy(snapshot, messages)
		s.memMessages[chat.ID] = snapshot
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save chat: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err = tx.Exec(`INSERT INTO chats (id, name, persona_id, saved_at) VALUES (?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET name=excluded.name, persona_id=excluded.persona_id, saved_at=excluded.saved_at;`,
		chat.ID, chat.Name, chat.PersonaID, chat.SavedAt); err != nil {
		return fmt.Errorf("save chat: %w", err)
	}
	if _, err = tx.Exec(`DELETE FROM chat_messages WHERE chat_id = ?;`, chat.ID); err != nil {
		return fmt.Errorf("save chat: %w", err)
	}

	for i, m := range messages {
		var promptTokens, completionTokens, totalTokens sql.NullInt64
		var finishReason, providerID sql.NullString
		if m.Metadata != nil {
			promptTokens = sql.NullInt64{Int64: int64(m.Metadata.PromptTokens), Valid: true}
			completionTokens = sql.NullInt64{Int64: int64(m.Metadata.CompletionTokens), Valid: true}
			totalTokens = sql.NullInt64{Int64: int64(m.Metadata.TotalTokens), Valid: true}
			finishReason = sql.NullString{String: m.Metadata.FinishReason, Valid: true}
			providerID = sql.NullString{String: m.Metadata.ProviderID, Valid: true}
		}
		if _, err = tx.Exec(`INSERT INTO chat_messages
            (chat_id, position, message_id, role, content, active, created_at, prompt_tokens, completion_tokens, total_tokens, finish_reason, provider_id)
            VALUES (?,?,?,?,?,?,?,?,?,?,?,?);`,
			chat.ID, i, m.ID, string(m.Role), m.Text, m.Active, m.CreatedAt,
			promptTokens, completionTokens, totalTokens, finishReason, providerID); err != nil {
			return fmt.Errorf("save chat message %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// LoadChat returns the ordered message list of a saved chat.
func (s *Store) LoadChat(chatID string) ([]session.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		msgs, ok := s.memMessages[chatID]
		if !ok {
			return nil, ErrChatNotFound
		}
		out := make([]session.Message, len(msgs))
		copy(out, msgs)
		return out, nil
	}

	if _, err := s.getChatLocked(chatID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT message_id, role, content, active, created_at, prompt_tokens, completion_tokens, total_tokens, finish_reason, provider_id
        FROM chat_messages WHERE chat_id = ? ORDER BY position ASC;`, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	defer rows.Close()

	var out []session.Message
	for rows.Next() {
		var m session.Message
		var role string
		var promptTokens, completionTokens, totalTokens sql.NullInt64
		var finishReason, providerID sql.NullString
		if err := rows.Scan(&m.ID, &role, &m.Text, &m.Active, &m.CreatedAt,
			&promptTokens, &completionTokens, &totalTokens, &finishReason, &providerID); err != nil {
			return nil, fmt.Errorf("load chat: %w", err)
		}
		m.Role = session.Role(role)
		if finishReason.Valid || totalTokens.Valid || providerID.Valid {
			m.Metadata = &session.ResponseMetadata{
				PromptTokens:     int(promptTokens.Int64),
				CompletionTokens: int(completionTokens.Int64),
				TotalTokens:      int(totalTokens.Int64),
				FinishReason:     finishReason.String,
				ProviderID:       providerID.String,
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetChat returns the chat record itself.
func (s *Store) GetChat(chatID string) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getChatLocked(chatID)
}

func (s *Store) getChatLocked(chatID string) (Chat, error) {
	if !s.ready() {
		c, ok := s.memChats[chatID]
		if !ok {
			return Chat{}, ErrChatNotFound
		}
		return c, nil
	}

	var c Chat
	err := s.db.QueryRow(`SELECT id, name, persona_id, saved_at FROM chats WHERE id = ?;`, chatID).
		Scan(&c.ID, &c.Name, &c.PersonaID, &c.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrChatNotFound
	}
	if err != nil {
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

// ListChats returns all saved chats, most recently saved first.
func (s *Store) ListChats() ([]Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		out := make([]Chat, 0, len(s.memChats))
		for _, c := range s.memChats {
			out = append(out, c)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
		return out, nil
	}

	rows, err := s.db.Query(`SELECT id, name, persona_id, saved_at FROM chats ORDER BY saved_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.PersonaID, &c.SavedAt); err != nil {
			return nil, fmt.Errorf("list chats: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteChat removes a chat and its messages. Deleting an absent chat is a
// no-op.
func (s *Store) DeleteChat(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		delete(s.memChats, chatID)
		delete(s.memMessages, chatID)
		return nil
	}

	if _, err := s.db.Exec(`DELETE FROM chat_messages WHERE chat_id = ?;`, chatID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM chats WHERE id = ?;`, chatID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return nil
}

// MessageCount returns the number of stored messages for a chat.
func (s *Store) MessageCount(chatID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		return len(s.memMessages[chatID]), nil
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chat_messages WHERE chat_id = ?;`, chatID).Scan(&n); err != nil {
		return 0, fmt.Errorf("message count: %w", err)
	}
	return n, nil
}

// SavePersona inserts or updates a persona.
func (s *Store) SavePersona(p persona.Persona) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		s.memPersonas[p.ID] = p
		return nil
	}

	_, err := s.db.Exec(`INSERT INTO personas (id, name, alias, system_message, created_at) VALUES (?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET name=excluded.name, alias=excluded.alias, system_message=excluded.system_message;`,
		p.ID, p.Name, p.Alias, p.SystemMessage, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("save persona: %w", err)
	}
	return nil
}

// GetPersona returns a persona by ID.
func (s *Store) GetPersona(id string) (persona.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		p, ok := s.memPersonas[id]
		if !ok {
			return persona.Persona{}, ErrPersonaNotFound
		}
		return p, nil
	}

	var p persona.Persona
	err := s.db.QueryRow(`SELECT id, name, alias, system_message, created_at FROM personas WHERE id = ?;`, id).
		Scan(&p.ID, &p.Name, &p.Alias, &p.SystemMessage, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return persona.Persona{}, ErrPersonaNotFound
	}
	if err != nil {
		return persona.Persona{}, fmt.Errorf("get persona: %w", err)
	}
	return p, nil
}

// ListPersonas returns all personas ordered by name.
func (s *Store) ListPersonas() ([]persona.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		out := make([]persona.Persona, 0, len(s.memPersonas))
		for _, p := range s.memPersonas {
			out = append(out, p)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	}

	rows, err := s.db.Query(`SELECT id, name, alias, system_message, created_at FROM personas ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()

	var out []persona.Persona
	for rows.Next() {
		var p persona.Persona
		if err := rows.Scan(&p.ID, &p.Name, &p.Alias, &p.SystemMessage, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("list personas: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePersona removes a persona. Chats referencing it keep their stored
// system message and load with an ad-hoc binding instead.
func (s *Store) DeletePersona(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		delete(s.memPersonas, id)
		return nil
	}

	if _, err := s.db.Exec(`DELETE FROM personas WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete persona: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
