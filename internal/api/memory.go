package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/nugget/mandarin/internal/memory"
)

// memoryBody is the POST and PATCH payload. Absent fields are nil.
type memoryBody struct {
	Content *string  `json:"content"`
	Tags    []string `json:"tags"`
}

func (s *Server) memoryStore(w http.ResponseWriter) (*memory.Store, bool) {
	if s.deps.Memory == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "memory is disabled")
		return nil, false
	}
	return s.deps.Memory, true
}

func memoryID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	ms, ok := s.memoryStore(w)
	if !ok {
		return
	}
	mems, err := ms.List(r.Context(), r.URL.Query().Get("tag"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, mems)
}

func (s *Server) handleMemoryCreate(w http.ResponseWriter, r *http.Request) {
	ms, ok := s.memoryStore(w)
	if !ok {
		return
	}
	var body memoryBody
	if err := decode(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	content := ""
	if body.Content != nil {
		content = strings.TrimSpace(*body.Content)
	}
	if content == "" {
		s.errorResponse(w, http.StatusBadRequest, "content is required")
		return
	}
	m, err := ms.Create(r.Context(), content, body.Tags)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, m)
}

func (s *Server) handleMemoryUpdate(w http.ResponseWriter, r *http.Request) {
	ms, ok := s.memoryStore(w)
	if !ok {
		return
	}
	id, ok := memoryID(r)
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid id")
		return
	}
	var body memoryBody
	if err := decode(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	if body.Content != nil {
		c := strings.TrimSpace(*body.Content)
		if c == "" {
			s.errorResponse(w, http.StatusBadRequest, "content is required")
			return
		}
		body.Content = &c
	}
	m, err := ms.Update(r.Context(), id, body.Content, body.Tags)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, m)
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	ms, ok := s.memoryStore(w)
	if !ok {
		return
	}
	id, ok := memoryID(r)
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := ms.Delete(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
