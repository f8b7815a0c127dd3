package api

import (
	"net/http"
	"strings"

	"github.com/nugget/mandarin/internal/chat"
	"github.com/nugget/mandarin/internal/searchmode"
	"github.com/nugget/mandarin/internal/store"
)

// chatBody is the POST and PATCH payload for a chat. Absent fields are
// nil and left alone.
type chatBody struct {
	Title            *string   `json:"title"`
	ContextIDs       *[]string `json:"context_ids"`
	WebSearchEnabled *bool     `json:"web_search_enabled"`
	WebSearchMode    *string   `json:"web_search_mode"`
}

// validate normalizes the search mode. Empty means "use the legacy
// toggle".
func (b *chatBody) validate() error {
	if b.WebSearchMode == nil {
		return nil
	}
	m := strings.ToLower(strings.TrimSpace(*b.WebSearchMode))
	if m != "" {
		mode, ok := searchmode.Parse(m)
		if !ok {
			return &chat.InputError{Msg: "web_search_mode must be off, native or tool"}
		}
		m = string(mode)
	}
	b.WebSearchMode = &m
	return nil
}

// chatWithMessages is the GET /api/chats/{id} response.
type chatWithMessages struct {
	*store.Chat
	Messages []store.Message `json:"messages"`
}

func (s *Server) handleChatList(w http.ResponseWriter, r *http.Request) {
	chats, err := s.deps.Store.ListChats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, chats)
}

func (s *Server) handleChatCreate(w http.ResponseWriter, r *http.Request) {
	var body chatBody
	if err := decode(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	if err := body.validate(); err != nil {
		s.fail(w, err)
		return
	}
	var opts store.ChatOptions
	if body.ContextIDs != nil {
		opts.ContextIDs = *body.ContextIDs
	}
	if body.WebSearchEnabled != nil {
		opts.WebSearchEnabled = *body.WebSearchEnabled
	}
	if body.WebSearchMode != nil {
		opts.WebSearchMode = *body.WebSearchMode
	}
	c, err := s.deps.Store.CreateChat(r.Context(), opts)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, c)
}

func (s *Server) handleChatGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.deps.Store.GetChat(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	msgs, err := s.deps.Store.Messages(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, chatWithMessages{Chat: c, Messages: msgs})
}

func (s *Server) handleChatUpdate(w http.ResponseWriter, r *http.Request) {
	var body chatBody
	if err := decode(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	if err := body.validate(); err != nil {
		s.fail(w, err)
		return
	}
	c, err := s.deps.Store.UpdateChat(r.Context(), r.PathValue("id"), store.ChatUpdate{
		Title:            body.Title,
		ContextIDs:       body.ContextIDs,
		WebSearchEnabled: body.WebSearchEnabled,
		WebSearchMode:    body.WebSearchMode,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, c)
}

func (s *Server) handleChatDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteChat(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMessageSend stores the user message and streams the reply as
// SSE. Validation failures are ordinary JSON errors sent before the
// stream starts.
func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	var req chat.SendRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	turn, err := s.deps.Chat.PrepareSend(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.streamSSE(w, r, turn)
}

// handleMessageRegenerate streams a new reply to an existing user
// message.
func (s *Server) handleMessageRegenerate(w http.ResponseWriter, r *http.Request) {
	var req chat.RegenerateRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	turn, err := s.deps.Chat.PrepareRegenerate(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.streamSSE(w, r, turn)
}

// handleMessageEdit replaces a user message and drops everything after
// it, returning the remaining messages.
func (s *Server) handleMessageEdit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := decode(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	msgs, err := s.deps.Chat.EditMessage(r.Context(), r.PathValue("id"), r.PathValue("mid"), body.Content)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, msgs)
}
