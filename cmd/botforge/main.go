package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botforge/botforge-go/internal/config"
	"github.com/botforge/botforge-go/internal/history"
	"github.com/botforge/botforge-go/internal/llm"
	"github.com/botforge/botforge-go/internal/logger"
	"github.com/botforge/botforge-go/internal/notify"
	"github.com/botforge/botforge-go/internal/persona"
	"github.com/botforge/botforge-go/internal/session"
)

type chatResult struct {
	msg session.Message
	err error
}

// server holds the single active conversation this surface exposes.
//
// Two locks are in play: ctl.WithSession serializes every session access
// with the completion goroutine's result application, and mu serializes
// the handlers against each other so a load or persona switch cannot
// interleave with a send being set up.
type server struct {
	mu      sync.Mutex
	ctl     *session.Controller
	svc     *llm.Service
	store   *history.Store
	results chan chatResult
	image   config.ImageConfig
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)

	// Initialize LLM client and completion service
	llmClient := llm.NewClient(cfg.LLM)
	svc := llm.NewService(llmClient, cfg.LLM.Model)

	// Initialize persistence
	store := history.Open(cfg.History.DBPath)
	defer store.Close()

	srv := &server{
		svc:     svc,
		store:   store,
		results: make(chan chatResult, 1),
		image:   cfg.Image,
	}
	srv.ctl = session.NewController(session.New(), svc, notify.NewLogNotifier(),
		session.WithOnComplete(func(m session.Message) {
			srv.results <- chatResult{msg: m}
		}),
		session.WithOnFailure(func(kind session.SendErrorKind, err error) {
			srv.results <- chatResult{err: err}
		}),
	)

	// Initialize router
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", srv.handleChat)
	mux.HandleFunc("POST /image", srv.handleImage)
	mux.HandleFunc("GET /chats", srv.handleListChats)
	mux.HandleFunc("POST /chats/save", srv.handleSaveChat)
	mux.HandleFunc("POST /chats/load", srv.handleLoadChat)
	mux.HandleFunc("GET /personas", srv.handleListPersonas)
	mux.HandleFunc("POST /personas", srv.handleCreatePersona)
	mux.HandleFunc("POST /personas/select", srv.handleSelectPersona)

	// Start server
	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	slog.Info("starting server", "address", serverAddr)
	if err := http.ListenAndServe(serverAddr, mux); err != nil {
		slog.Error("failed to start server", "error", err)
	}
}

// handleChat fills the draft with the request body, sends the session, and
// waits for the result.
func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	slog.Info("chat request", "body", string(body))

	s.mu.Lock()
	// Drop a stale result left behind if a previous client disconnected
	// right as its completion arrived.
	select {
	case <-s.results:
	default:
	}
	s.ctl.WithSession(func(sess *session.Session) {
		sess.FillDraft(string(body))
	})
	err = s.ctl.Send(r.Context())
	s.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	select {
	case res := <-s.results:
		if res.err != nil {
			http.Error(w, "failed to process request", http.StatusBadGateway)
			return
		}
		s.ctl.WithSession(func(sess *session.Session) {
			sess.AppendDraft()
		})
		w.Write([]byte(res.msg.Text))
	case <-r.Context().Done():
		if cancelErr := s.ctl.Cancel(); cancelErr != nil {
			slog.Warn("cancel after client disconnect", "error", cancelErr)
		}
	}
}

func (s *server) handleImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
		Size   string `json:"size"`
		N      int    `json:"n"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Size == "" {
		req.Size = s.image.Size
	}
	if req.N == 0 {
		req.N = s.image.N
	}

	urls, err := s.svc.GenerateImage(r.Context(), req.Prompt, req.Size, req.N)
	if err != nil {
		slog.Error("image generation failed", "error", err)
		http.Error(w, "image generation failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]any{"urls": urls})
}

func (s *server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.ListChats()
	if err != nil {
		http.Error(w, "failed to list chats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, chats)
}

func (s *server) handleSaveChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	var chat history.Chat
	var messages []session.Message
	s.ctl.WithSession(func(sess *session.Session) {
		chat = history.Chat{
			ID:        uuid.NewString(),
			Name:      req.Name,
			PersonaID: sess.PersonaID(),
			SavedAt:   time.Now(),
		}
		messages = sess.PersistedMessages()
	})
	s.mu.Unlock()

	if err := s.store.SaveChat(chat, messages); err != nil {
		slog.Error("save chat failed", "error", err)
		http.Error(w, "failed to save chat", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"id": chat.ID})
}

func (s *server) handleLoadChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	messages, err := s.store.LoadChat(req.ID)
	if err != nil {
		http.Error(w, "chat not found", http.StatusNotFound)
		return
	}
	chat, err := s.store.GetChat(req.ID)
	if err != nil {
		http.Error(w, "chat not found", http.StatusNotFound)
		return
	}
	var bound *persona.Persona
	if chat.PersonaID != "" {
		if p, perr := s.store.GetPersona(chat.PersonaID); perr == nil {
			bound = &p
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctl.Busy() {
		http.Error(w, "a completion request is in flight", http.StatusConflict)
		return
	}
	var loaded int
	var personaID string
	s.ctl.WithSession(func(sess *session.Session) {
		sess.LoadFromRecords(messages)
		if bound != nil {
			// Re-attach the persona reference when it still exists;
			// otherwise the peeled system message stays as an ad-hoc
			// override.
			systemMessage := sess.PersonaSystemMessage()
			if systemMessage == "" {
				systemMessage = bound.SystemMessage
			}
			sess.BindPersona(systemMessage, bound.ID)
		}
		loaded = sess.Len()
		personaID = sess.PersonaID()
	})
	writeJSON(w, map[string]any{"messages": loaded, "persona_id": personaID})
}

func (s *server) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	personas, err := s.store.ListPersonas()
	if err != nil {
		http.Error(w, "failed to list personas", http.StatusInternalServerError)
		return
	}
	writeJSON(w, personas)
}

func (s *server) handleCreatePersona(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string `json:"name"`
		Alias         string `json:"alias"`
		SystemMessage string `json:"system_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := persona.New(req.Name, req.Alias, req.SystemMessage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.SavePersona(p); err != nil {
		http.Error(w, "failed to save persona", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"id": p.ID})
}

func (s *server) handleSelectPersona(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.store.GetPersona(req.ID)
	if err != nil {
		http.Error(w, "persona not found", http.StatusNotFound)
		return
	}

	// Persona switch resets the conversation.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctl.Busy() {
		http.Error(w, "a completion request is in flight", http.StatusConflict)
		return
	}
	s.ctl.WithSession(func(sess *session.Session) {
		sess.ClearAll()
		sess.BindPersona(p.SystemMessage, p.ID)
	})
	writeJSON(w, map[string]string{"persona_id": p.ID})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}
