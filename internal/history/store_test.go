package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/botforge/botforge-go/internal/persona"
	"github.com/botforge/botforge-go/internal/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := Open(filepath.Join(t.TempDir(), "history.db"))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLoadChatRoundTrip(t *testing.T) {
	store := newTestStore(t)

	sess := session.New()
	sess.BindPersona("Be formal.", "")
	sess.FillDraft("hi")
	sess.AppendResult(session.NewBotMessage("hello", &session.ResponseMetadata{
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
		FinishReason:     "stop",
		ProviderID:       "chatcmpl-123",
	}))

	chat := Chat{ID: uuid.NewString(), Name: "greeting", SavedAt: time.Now()}
	require.NoError(t, store.SaveChat(chat, sess.PersistedMessages()))

	loaded, err := store.LoadChat(chat.ID)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	require.Equal(t, session.RoleSystem, loaded[0].Role)
	require.Equal(t, "Be formal.", loaded[0].Text)
	require.Equal(t, "hi", loaded[1].Text)
	require.Equal(t, session.RoleBot, loaded[2].Role)
	require.NotNil(t, loaded[2].Metadata)
	require.Equal(t, 15, loaded[2].Metadata.TotalTokens)
	require.Equal(t, "chatcmpl-123", loaded[2].Metadata.ProviderID)

	// Message IDs are reused only when round-tripped from storage.
	require.Equal(t, sess.Messages()[0].ID, loaded[1].ID)

	restored := session.New()
	restored.LoadFromRecords(loaded)
	require.Equal(t, "Be formal.", restored.PersonaSystemMessage())
	require.Equal(t, 2, restored.Len())
}

func TestSaveChatReplacesSnapshot(t *testing.T) {
	store := newTestStore(t)
	chat := Chat{ID: uuid.NewString(), Name: "n", SavedAt: time.Now()}

	require.NoError(t, store.SaveChat(chat, []session.Message{session.NewMessage(session.RoleUser, "v1")}))
	require.NoError(t, store.SaveChat(chat, []session.Message{
		session.NewMessage(session.RoleUser, "v2"),
		session.NewBotMessage("reply", nil),
	}))

	n, err := store.MessageCount(chat.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	loaded, err := store.LoadChat(chat.ID)
	require.NoError(t, err)
	require.Equal(t, "v2", loaded[0].Text)
}

func TestLoadMissingChat(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LoadChat("nope")
	require.ErrorIs(t, err, ErrChatNotFound)
}

func TestDeleteChatIdempotent(t *testing.T) {
	store := newTestStore(t)
	chat := Chat{ID: uuid.NewString(), Name: "n", SavedAt: time.Now()}
	require.NoError(t, store.SaveChat(chat, []session.Message{session.NewMessage(session.RoleUser, "hi")}))

	require.NoError(t, store.DeleteChat(chat.ID))
	require.NoError(t, store.DeleteChat(chat.ID))

	_, err := store.GetChat(chat.ID)
	require.ErrorIs(t, err, ErrChatNotFound)
	n, err := store.MessageCount(chat.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestListChatsMostRecentFirst(t *testing.T) {
	store := newTestStore(t)
	older := Chat{ID: uuid.NewString(), Name: "older", SavedAt: time.Now().Add(-time.Hour)}
	newer := Chat{ID: uuid.NewString(), Name: "newer", SavedAt: time.Now()}
	require.NoError(t, store.SaveChat(older, nil))
	require.NoError(t, store.SaveChat(newer, nil))

	chats, err := store.ListChats()
	require.NoError(t, err)
	require.Len(t, chats, 2)
	require.Equal(t, "newer", chats[0].Name)
	require.Equal(t, "older", chats[1].Name)
}

func TestPersonaCRUD(t *testing.T) {
	store := newTestStore(t)
	p, err := persona.New("Terse", "terse", "You are terse.")
	require.NoError(t, err)
	require.NoError(t, store.SavePersona(p))

	got, err := store.GetPersona(p.ID)
	require.NoError(t, err)
	require.Equal(t, "You are terse.", got.SystemMessage)

	p.SystemMessage = "You are extremely terse."
	require.NoError(t, store.SavePersona(p))
	got, err = store.GetPersona(p.ID)
	require.NoError(t, err)
	require.Equal(t, "You are extremely terse.", got.SystemMessage)

	list, err := store.ListPersonas()
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, store.DeletePersona(p.ID))
	_, err = store.GetPersona(p.ID)
	require.ErrorIs(t, err, ErrPersonaNotFound)
}

// TestLoadChatWithDeletedPersona: the chat still loads; the stored system
// message becomes an ad-hoc binding with no persona ID.
func TestLoadChatWithDeletedPersona(t *testing.T) {
	store := newTestStore(t)
	p, err := persona.New("Formal", "", "Be formal.")
	require.NoError(t, err)
	require.NoError(t, store.SavePersona(p))

	sess := session.New()
	sess.BindPersona(p.SystemMessage, p.ID)
	sess.FillDraft("hi")
	sess.AppendResult(session.NewBotMessage("hello", nil))

	chat := Chat{ID: uuid.NewString(), Name: "formal chat", PersonaID: p.ID, SavedAt: time.Now()}
	require.NoError(t, store.SaveChat(chat, sess.PersistedMessages()))

	require.NoError(t, store.DeletePersona(p.ID))

	loaded, err := store.LoadChat(chat.ID)
	require.NoError(t, err)

	restored := session.New()
	restored.LoadFromRecords(loaded)
	require.Equal(t, 2, restored.Len())
	require.Equal(t, "Be formal.", restored.PersonaSystemMessage())
	require.Empty(t, restored.PersonaID())
}

func TestMemoryFallback(t *testing.T) {
	// A path whose parent directory does not exist makes sqlite fail to
	// open; the store keeps working in memory.
	store := Open(filepath.Join(t.TempDir(), "missing", "deep", "history.db"))

	chat := Chat{ID: uuid.NewString(), Name: "mem", SavedAt: time.Now()}
	require.NoError(t, store.SaveChat(chat, []session.Message{session.NewMessage(session.RoleUser, "hi")}))

	loaded, err := store.LoadChat(chat.ID)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	chats, err := store.ListChats()
	require.NoError(t, err)
	require.Len(t, chats, 1)

	// The failed init left no database handle behind.
	store.mu.Lock()
	require.Error(t, store.initErr)
	require.Nil(t, store.db)
	store.mu.Unlock()
	require.NoError(t, store.Close())
}
